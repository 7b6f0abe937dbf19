package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

const (
	eventInventoryReserve = "inventory.reserve"
	eventInventoryCommit  = "inventory.commit"
	eventInventoryRelease = "inventory.release"
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	repo   repositories.InventoryRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &inventoryService{
		repo:   deps.Inventory,
		clock:  func() time.Time { return clock().UTC() },
		logger: logger,
	}, nil
}

// Reserve earmarks stock for each line. Items without a stock row are untracked and skipped.
// The first line stock cannot cover fails the call; callers run it inside their transaction so
// earlier reservations roll back with it.
func (s *inventoryService) Reserve(ctx context.Context, lines []InventoryLine) error {
	for _, line := range mergeInventoryLines(lines) {
		err := s.repo.Reserve(ctx, toRepositoryLine(line))
		if err == nil {
			continue
		}
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			switch invErr.Code {
			case repositories.InventoryErrorStockNotFound:
				continue
			case repositories.InventoryErrorInsufficientStock:
				return &InsufficientStockError{
					ProductID: line.ProductID,
					VariantID: line.VariantID,
					Requested: line.Quantity,
					Available: invErr.Available,
				}
			}
		}
		return mapRepositoryError(err, "inventory", line.ProductID)
	}
	s.logger(ctx, eventInventoryReserve, map[string]any{"lines": len(lines)})
	return nil
}

// Release returns reserved units, e.g. when an order is cancelled.
func (s *inventoryService) Release(ctx context.Context, lines []InventoryLine) error {
	return s.settle(ctx, eventInventoryRelease, lines, s.repo.Release)
}

// Commit deducts shipped units from stock.
func (s *inventoryService) Commit(ctx context.Context, lines []InventoryLine) error {
	return s.settle(ctx, eventInventoryCommit, lines, s.repo.Commit)
}

// settle applies op to every line. Untracked items are skipped and reservation mismatches are
// logged, so one drifted row never blocks the rest of the order.
func (s *inventoryService) settle(ctx context.Context, event string, lines []InventoryLine, op func(context.Context, repositories.InventoryLine) error) error {
	for _, line := range mergeInventoryLines(lines) {
		err := op(ctx, toRepositoryLine(line))
		if err == nil {
			continue
		}
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			if invErr.Code == repositories.InventoryErrorReservationMismatch {
				s.logger(ctx, event+"_failed", map[string]any{
					"productId": line.ProductID,
					"quantity":  line.Quantity,
					"error":     err,
				})
			}
			continue
		}
		return mapRepositoryError(err, "inventory", line.ProductID)
	}
	s.logger(ctx, event, map[string]any{"lines": len(lines), "at": s.clock()})
	return nil
}

func (s *inventoryService) ListLowStock(ctx context.Context, limit int) ([]domain.InventoryRecord, error) {
	records, err := s.repo.ListLowStock(ctx, repositories.InventoryLowStockQuery{Limit: limit})
	if err != nil {
		return nil, mapRepositoryError(err, "inventory", "")
	}
	return records, nil
}

// mergeInventoryLines sums quantities per stock row and drops empty lines.
func mergeInventoryLines(lines []InventoryLine) []InventoryLine {
	out := make([]InventoryLine, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		if line.Quantity <= 0 {
			continue
		}
		key := line.ProductID
		if line.VariantID != nil {
			key = "variant:" + *line.VariantID
		}
		if i, ok := index[key]; ok {
			out[i].Quantity += line.Quantity
			continue
		}
		index[key] = len(out)
		out = append(out, line)
	}
	return out
}

func toRepositoryLine(line InventoryLine) repositories.InventoryLine {
	return repositories.InventoryLine{ProductID: line.ProductID, VariantID: line.VariantID, Quantity: line.Quantity}
}

func orderInventoryLines(order domain.Order) []InventoryLine {
	lines := make([]InventoryLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, InventoryLine{ProductID: item.ProductID, VariantID: item.VariantID, Quantity: item.Quantity})
	}
	return lines
}
