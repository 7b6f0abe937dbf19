package services

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

// Settings keys read from the settings table.
const (
	SettingTaxRate               = "tax_rate"
	SettingExpressShippingCost   = "express_shipping_cost"
	SettingWholesaleMinimumOrder = "wholesale_minimum_order"
	SettingAdminEmail            = "admin_notification_email"
	settingPaymentPrefix         = "payment."
)

const defaultExpressShippingCost int64 = 4500

// ConfigStoreDeps bundles collaborators for the settings-backed config store.
type ConfigStoreDeps struct {
	Settings repositories.SettingsRepository
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type settingsConfigStore struct {
	settings repositories.SettingsRepository
	logger   func(context.Context, string, map[string]any)
}

// NewConfigStore builds a ConfigStore over the settings table. Money settings are stored in
// dollars ("45.00") and returned in cents.
func NewConfigStore(deps ConfigStoreDeps) (ConfigStore, error) {
	if deps.Settings == nil {
		return nil, errors.New("config store: settings repository is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &settingsConfigStore{settings: deps.Settings, logger: logger}, nil
}

// TaxRate returns the configured rate. Values outside [0,1] are ignored.
func (s *settingsConfigStore) TaxRate(ctx context.Context) (decimal.Decimal, error) {
	raw, ok, err := s.lookup(ctx, SettingTaxRate)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	rate, perr := decimal.NewFromString(raw)
	if perr != nil || rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		s.logger(ctx, "config.invalid_setting", map[string]any{"key": SettingTaxRate, "value": raw})
		return decimal.Zero, nil
	}
	return rate, nil
}

func (s *settingsConfigStore) ExpressShippingCost(ctx context.Context) (int64, error) {
	return s.money(ctx, SettingExpressShippingCost, defaultExpressShippingCost)
}

func (s *settingsConfigStore) WholesaleMinimumOrder(ctx context.Context) (int64, error) {
	return s.money(ctx, SettingWholesaleMinimumOrder, 0)
}

// PaymentInstructions collects every "payment.<method>.<field>" setting for method.
func (s *settingsConfigStore) PaymentInstructions(ctx context.Context, method domain.PaymentMethod) (map[string]string, error) {
	all, err := s.settings.All(ctx)
	if err != nil {
		return nil, mapRepositoryError(err, "settings", "")
	}
	prefix := settingPaymentPrefix + string(method) + "."
	out := make(map[string]string)
	for key, value := range all {
		if field, ok := strings.CutPrefix(key, prefix); ok && field != "" {
			out[field] = value
		}
	}
	return out, nil
}

func (s *settingsConfigStore) AdminNotificationEmail(ctx context.Context) (string, error) {
	raw, _, err := s.lookup(ctx, SettingAdminEmail)
	return raw, err
}

func (s *settingsConfigStore) money(ctx context.Context, key string, fallback int64) (int64, error) {
	raw, ok, err := s.lookup(ctx, key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	amount, perr := decimal.NewFromString(raw)
	if perr != nil || amount.IsNegative() {
		s.logger(ctx, "config.invalid_setting", map[string]any{"key": key, "value": raw})
		return fallback, nil
	}
	return amount.Shift(2).Round(0).IntPart(), nil
}

type settingsScopeKey struct{}

type settingsSnapshot struct {
	mu     sync.Mutex
	values map[string]string
}

// WithSettingsScope makes every settings lookup on the returned context share one read of the
// settings table. A context already in scope is returned unchanged.
func WithSettingsScope(ctx context.Context) context.Context {
	if _, ok := ctx.Value(settingsScopeKey{}).(*settingsSnapshot); ok {
		return ctx
	}
	return context.WithValue(ctx, settingsScopeKey{}, &settingsSnapshot{})
}

// all serves the scoped snapshot when ctx carries one. Failed reads are not cached.
func (s *settingsConfigStore) all(ctx context.Context) (map[string]string, error) {
	snap, _ := ctx.Value(settingsScopeKey{}).(*settingsSnapshot)
	if snap == nil {
		return s.settings.All(ctx)
	}
	snap.mu.Lock()
	defer snap.mu.Unlock()
	if snap.values != nil {
		return snap.values, nil
	}
	values, err := s.settings.All(ctx)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]string{}
	}
	snap.values = values
	return values, nil
}

func (s *settingsConfigStore) lookup(ctx context.Context, key string) (string, bool, error) {
	all, err := s.all(ctx)
	if err != nil {
		return "", false, mapRepositoryError(err, "settings", key)
	}
	raw, ok := all[key]
	raw = strings.TrimSpace(raw)
	return raw, ok && raw != "", nil
}
