package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/linemk/webshop/internal/domain/models"
	"github.com/linemk/webshop/internal/storage"
	"github.com/shopspring/decimal"
)

var (
	ErrEmptyOrder      = errors.New("order must contain at least one item")
	ErrInvalidQuantity = errors.New("quantity must be at least 1")
	ErrInvalidStatus   = errors.New("invalid order status")
)

// OrderLine — позиция заказа со стороны клиента: только ссылка на товар
// и количество. Цены клиенту не доверяем, они берутся из каталога.
type OrderLine struct {
	ProductID int64
	Quantity  int
}

// OrderService определяет интерфейс для работы с заказами.
type OrderService interface {
	PlaceOrder(ctx context.Context, userID int64, lines []OrderLine) (*models.Order, error)
	GetAllOrders(ctx context.Context) ([]*models.Order, error)
	GetUserOrders(ctx context.Context, userID int64) ([]*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error)
	DeleteOrder(ctx context.Context, orderID int64) error
}

type orderService struct {
	log         *slog.Logger
	db          *sql.DB
	productRepo storage.ProductStorage
	orderRepo   storage.OrderStorage
}

func NewOrderService(log *slog.Logger, db *sql.DB, productRepo storage.ProductStorage, orderRepo storage.OrderStorage) OrderService {
	return &orderService{
		log:         log,
		db:          db,
		productRepo: productRepo,
		orderRepo:   orderRepo,
	}
}

// PlaceOrder оформляет заказ в одной транзакции.
// Для каждой позиции строка товара блокируется (FOR UPDATE), остаток проверяется
// и списывается под блокировкой, цена и название фиксируются из каталога,
// итоговая сумма считается на сервере. Нехватка любого товара откатывает всё:
// заказ не создаётся, остатки не меняются. Конкурентные заказы на один товар
// сериализуются на блокировке строки, поэтому остаток не уходит в минус.
func (s *orderService) PlaceOrder(ctx context.Context, userID int64, lines []OrderLine) (*models.Order, error) {
	const op = "service.OrderService.PlaceOrder"
	logger := s.log.With(slog.String("op", op), slog.Int64("userID", userID), slog.Int("items", len(lines)))
	logger.Info("starting order transaction")

	if len(lines) == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrEmptyOrder)
	}
	// Количество проверяем до открытия транзакции: нулевое или отрицательное
	// значение в условном UPDATE увеличило бы остаток вместо списания
	for _, line := range lines {
		if line.Quantity < 1 {
			logger.Warn("rejected non-positive quantity",
				slog.Int64("productID", line.ProductID), slog.Int("quantity", line.Quantity))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidQuantity)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		logger.Error("failed to begin transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to begin transaction: %w", op, err)
	}

	items := make([]models.OrderItem, 0, len(lines))
	total := decimal.Zero
	for _, line := range lines {
		// Получаем товар под блокировкой строки
		product, err := s.productRepo.GetProductForUpdateTx(ctx, tx, line.ProductID)
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error("transaction rollback failed", slog.Any("error", rbErr))
			}
			logger.Error("failed to get product", slog.Int64("productID", line.ProductID), slog.Any("error", err))
			return nil, fmt.Errorf("%s: failed to get product: %w", op, err)
		}

		// Проверяем остаток под блокировкой
		if product.Stock < line.Quantity {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error("transaction rollback failed", slog.Any("error", rbErr))
			}
			logger.Warn("insufficient stock",
				slog.String("product", product.Name),
				slog.Int("stock", product.Stock),
				slog.Int("requested", line.Quantity))
			return nil, fmt.Errorf("insufficient stock for %s: %w", product.Name, storage.ErrInsufficientStock)
		}

		// Списываем остаток; условие stock >= qty в запросе страхует инвариант
		if err := s.productRepo.DecrementStockTx(ctx, tx, line.ProductID, line.Quantity); err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Error("transaction rollback failed", slog.Any("error", rbErr))
			}
			if errors.Is(err, storage.ErrInsufficientStock) {
				return nil, fmt.Errorf("insufficient stock for %s: %w", product.Name, storage.ErrInsufficientStock)
			}
			logger.Error("failed to decrement stock", slog.Any("error", err))
			return nil, fmt.Errorf("%s: failed to decrement stock: %w", op, err)
		}

		// Фиксируем цену и название на момент оформления
		linePrice := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		total = total.Add(linePrice)
		items = append(items, models.OrderItem{
			ProductID:   product.ID,
			ProductName: product.Name,
			Quantity:    line.Quantity,
			Price:       product.Price,
		})
	}

	order := &models.Order{
		UserID:     userID,
		Items:      items,
		TotalPrice: total,
		Status:     models.OrderStatusPending,
	}

	created, err := s.orderRepo.CreateOrderTx(ctx, tx, order)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("transaction rollback failed", slog.Any("error", rbErr))
		}
		logger.Error("failed to create order", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to create order: %w", op, err)
	}

	if err := tx.Commit(); err != nil {
		logger.Error("failed to commit transaction", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to commit transaction: %w", op, err)
	}

	logger.Info("order placed successfully", slog.Int64("orderID", created.ID))
	return created, nil
}

func (s *orderService) GetAllOrders(ctx context.Context) ([]*models.Order, error) {
	const op = "service.OrderService.GetAllOrders"
	orders, err := s.orderRepo.GetAllOrders(ctx)
	if err != nil {
		s.log.Error("failed to get orders", slog.String("op", op), slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to get orders: %w", op, err)
	}
	return orders, nil
}

func (s *orderService) GetUserOrders(ctx context.Context, userID int64) ([]*models.Order, error) {
	const op = "service.OrderService.GetUserOrders"
	orders, err := s.orderRepo.GetOrdersByUserID(ctx, userID)
	if err != nil {
		s.log.Error("failed to get user orders", slog.String("op", op),
			slog.Int64("userID", userID), slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to get user orders: %w", op, err)
	}
	return orders, nil
}

// UpdateOrderStatus меняет статус заказа. Статус проверяется на вхождение
// в закрытый набор, переходы между статусами не ограничиваются.
// Остатки товаров при смене статуса не меняются.
func (s *orderService) UpdateOrderStatus(ctx context.Context, orderID int64, status models.OrderStatus) (*models.Order, error) {
	const op = "service.OrderService.UpdateOrderStatus"
	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", orderID), slog.String("status", string(status)))

	if !status.Valid() {
		logger.Warn("rejected unknown status")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidStatus)
	}

	order, err := s.orderRepo.UpdateOrderStatus(ctx, orderID, status)
	if err != nil {
		logger.Error("failed to update order status", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to update order status: %w", op, err)
	}

	logger.Info("order status updated")
	return order, nil
}

// DeleteOrder удаляет заказ. Списанные при оформлении остатки не возвращаются.
func (s *orderService) DeleteOrder(ctx context.Context, orderID int64) error {
	const op = "service.OrderService.DeleteOrder"
	logger := s.log.With(slog.String("op", op), slog.Int64("orderID", orderID))
	logger.Info("deleting order")

	if err := s.orderRepo.DeleteOrder(ctx, orderID); err != nil {
		logger.Error("failed to delete order", slog.Any("error", err))
		return fmt.Errorf("%s: failed to delete order: %w", op, err)
	}
	return nil
}
