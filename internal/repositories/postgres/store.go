package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/labvial/api/internal/repositories"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultConnectTimeout = 10 * time.Second

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Options configures the store.
type Options struct {
	MaxConns      int32
	RunMigrations bool
	TxAttempts    int
}

// Store owns the connection pool and exposes every repository.
type Store struct {
	pool       *pgxpool.Pool
	txAttempts int

	catalog    *catalogRepository
	priceLists *priceListRepository
	inventory  *inventoryRepository
	discounts  *discountRepository
	orders     *orderRepository
	compliance *complianceRepository
	payments   *paymentRepository
	shipments  *shipmentRepository
	addresses  *addressRepository
	users      *userRepository
	settings   *settingsRepository
	outbox     *outboxRepository
}

var _ repositories.Registry = (*Store)(nil)

// Open connects to Postgres, verifies connectivity and optionally applies embedded migrations.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if opts.RunMigrations {
		if err := migrate(connectCtx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	return NewStore(pool, opts), nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, opts Options) *Store {
	attempts := opts.TxAttempts
	if attempts <= 0 {
		attempts = defaultTxAttempts
	}
	s := &Store{pool: pool, txAttempts: attempts}
	base := baseRepository{pool: pool}
	s.catalog = &catalogRepository{base}
	s.priceLists = &priceListRepository{base}
	s.inventory = &inventoryRepository{base}
	s.discounts = &discountRepository{base}
	s.orders = &orderRepository{base}
	s.compliance = &complianceRepository{base}
	s.payments = &paymentRepository{base}
	s.shipments = &shipmentRepository{base}
	s.addresses = &addressRepository{base}
	s.users = &userRepository{base}
	s.settings = &settingsRepository{base}
	s.outbox = &outboxRepository{base}
	return s
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Ping checks database connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

func (s *Store) Catalog() repositories.CatalogRepository       { return s.catalog }
func (s *Store) PriceLists() repositories.PriceListRepository  { return s.priceLists }
func (s *Store) Inventory() repositories.InventoryRepository   { return s.inventory }
func (s *Store) Discounts() repositories.DiscountRepository    { return s.discounts }
func (s *Store) Orders() repositories.OrderRepository          { return s.orders }
func (s *Store) Compliance() repositories.ComplianceRepository { return s.compliance }
func (s *Store) Payments() repositories.PaymentRepository      { return s.payments }
func (s *Store) Shipments() repositories.ShipmentRepository    { return s.shipments }
func (s *Store) Addresses() repositories.AddressRepository     { return s.addresses }
func (s *Store) Users() repositories.UserRepository            { return s.users }
func (s *Store) Settings() repositories.SettingsRepository     { return s.settings }
func (s *Store) Outbox() repositories.OutboxRepository         { return s.outbox }

type baseRepository struct {
	pool *pgxpool.Pool
}

// q returns the transaction bound to ctx, falling back to the pool.
func (b baseRepository) q(ctx context.Context) querier {
	if tx := txFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}
