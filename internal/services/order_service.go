package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/repositories"
)

var orderStateTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:         {domain.OrderStatusAwaitingPayment, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusAwaitingPayment: {domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing:      {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:         {domain.OrderStatusDelivered, domain.OrderStatusRefunded},
	domain.OrderStatusDelivered:       {domain.OrderStatusRefunded},
}

func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStateTransitions[current], target)
}

// OrderServiceDeps wires the dependencies of the order administration service.
type OrderServiceDeps struct {
	Orders     repositories.OrderRepository
	Inventory  InventoryService
	UnitOfWork repositories.UnitOfWork
	Audit      AuditSink
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	inventory InventoryService
	uow       repositories.UnitOfWork
	audit     AuditSink
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService constructs an OrderService.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}
	if deps.Audit == nil {
		return nil, errors.New("order service: audit sink is required")
	}
	uow := deps.UnitOfWork
	if uow == nil {
		uow = noopUnitOfWork{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = noopLogger
	}
	return &orderService{
		orders:    deps.Orders,
		inventory: deps.Inventory,
		uow:       uow,
		audit:     deps.Audit,
		now:       func() time.Time { return clock().UTC() },
		logger:    logger,
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, newValidationError("orderId", "is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapRepositoryError(err, "order", orderID)
	}
	return order, nil
}

// UpdateStatus applies an allowed status change. Cancelling releases the order's reservations in
// the same transaction.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, newValidationError("orderId", "is required")
	}
	if strings.TrimSpace(cmd.ActorID) == "" {
		return domain.Order{}, newValidationError("actorId", "is required")
	}

	var order domain.Order
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		current, err := s.orders.FindByID(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, "order", orderID)
		}
		if !canTransition(current.Status, cmd.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, cmd.Status)
		}

		now := s.now()
		update := repositories.OrderStatusUpdate{Status: cmd.Status, UpdatedAt: now}
		switch cmd.Status {
		case domain.OrderStatusCancelled:
			update.CancelledAt = &now
			if err := s.inventory.Release(txCtx, orderInventoryLines(current)); err != nil {
				return err
			}
		case domain.OrderStatusShipped:
			update.ShippedAt = &now
		}
		if err := s.orders.Update(txCtx, orderID, update); err != nil {
			return mapRepositoryError(err, "order", orderID)
		}

		previous := current.Status
		current.Status = cmd.Status
		current.UpdatedAt = now
		if update.CancelledAt != nil {
			current.CancelledAt = update.CancelledAt
		}
		if update.ShippedAt != nil {
			current.ShippedAt = update.ShippedAt
		}
		order = current

		metadata := map[string]any{}
		if reason := strings.TrimSpace(cmd.Reason); reason != "" {
			metadata["reason"] = reason
		}
		return s.audit.Record(txCtx, AuditLogRecord{
			Actor:      cmd.ActorID,
			ActorType:  "staff",
			Action:     "order.status",
			TargetRef:  "orders/" + orderID,
			OccurredAt: now,
			Metadata:   metadata,
			Diff:       map[string]AuditLogDiff{"status": {Before: string(previous), After: string(cmd.Status)}},
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.logger(ctx, "order.status_updated", map[string]any{"orderId": orderID, "status": string(order.Status)})
	return order, nil
}
