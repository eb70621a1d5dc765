package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/linemk/webshop/internal/domain/models"
	"github.com/linemk/webshop/internal/jwt-new/jwtmiddleware"
	"github.com/linemk/webshop/internal/service"
	"github.com/linemk/webshop/internal/storage"
	"github.com/shopspring/decimal"
)

// OrderRequest представляет входной JSON для оформления заказа.
// Поля userId, totalPrice и status принимаются для совместимости с клиентом,
// но игнорируются: покупатель берётся из токена, сумма считается на сервере,
// новый заказ всегда создаётся в статусе pending.
type OrderRequest struct {
	UserID     int64              `json:"userId"`
	Items      []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalPrice decimal.Decimal    `json:"totalPrice"`
	Status     string             `json:"status"`
}

// OrderItemRequest — позиция заказа в запросе.
type OrderItemRequest struct {
	ProductID int64 `json:"productId" validate:"required"`
	Quantity  int   `json:"quantity" validate:"required,gte=1"`
}

// PlaceOrderHandler обрабатывает запрос POST /api/orders.
func PlaceOrderHandler(log *slog.Logger, orderService service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.PlaceOrderHandler"
		logger := log.With(slog.String("op", op))

		var req OrderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("invalid request: decoding error", slog.Any("error", err))
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}

		// Валидация структуры запроса с использованием validator
		if err := validate.Struct(req); err != nil {
			logger.Error("invalid request: validation error", slog.Any("error", err))
			http.Error(w, "validation error", http.StatusBadRequest)
			return
		}

		// Извлекаем userID из контекста (установленный JWT middleware)
		userID, ok := jwtmiddleware.FromContext(r.Context())
		if !ok {
			logger.Error("userID not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		lines := make([]service.OrderLine, 0, len(req.Items))
		for _, item := range req.Items {
			lines = append(lines, service.OrderLine{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
			})
		}

		order, err := orderService.PlaceOrder(r.Context(), userID, lines)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrInsufficientStock):
				logger.Warn("order rejected: insufficient stock", slog.Any("error", err))
				http.Error(w, err.Error(), http.StatusBadRequest)
			case errors.Is(err, storage.ErrProductNotFound):
				logger.Warn("order rejected: unknown product", slog.Any("error", err))
				http.Error(w, "product not found", http.StatusBadRequest)
			case errors.Is(err, service.ErrEmptyOrder):
				http.Error(w, "order must contain at least one item", http.StatusBadRequest)
			case errors.Is(err, service.ErrInvalidQuantity):
				http.Error(w, "quantity must be at least 1", http.StatusBadRequest)
			default:
				logger.Error("failed to place order", slog.Any("error", err))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		if err := json.NewEncoder(w).Encode(order); err != nil {
			logger.Error("failed to encode response", slog.Any("error", err))
		}
	}
}

// GetAllOrdersHandler обрабатывает запрос GET /api/orders (административный).
func GetAllOrdersHandler(log *slog.Logger, orderService service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.GetAllOrdersHandler"
		logger := log.With(slog.String("op", op))

		orders, err := orderService.GetAllOrders(r.Context())
		if err != nil {
			logger.Error("failed to get orders", slog.Any("error", err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if orders == nil {
			orders = []*models.Order{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(orders); err != nil {
			logger.Error("failed to encode response", slog.Any("error", err))
		}
	}
}

// MyOrdersHandler обрабатывает запрос GET /api/orders/my-orders.
// Возвращаются только заказы пользователя из токена.
func MyOrdersHandler(log *slog.Logger, orderService service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.MyOrdersHandler"
		logger := log.With(slog.String("op", op))

		userID, ok := jwtmiddleware.FromContext(r.Context())
		if !ok {
			logger.Error("userID not found in context")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		orders, err := orderService.GetUserOrders(r.Context(), userID)
		if err != nil {
			logger.Error("failed to get user orders", slog.Any("error", err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if orders == nil {
			orders = []*models.Order{}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(orders); err != nil {
			logger.Error("failed to encode response", slog.Any("error", err))
		}
	}
}

// UpdateOrderStatusRequest — входной JSON для смены статуса заказа.
type UpdateOrderStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// UpdateOrderStatusHandler обрабатывает запрос PUT /api/orders/{id}/status.
func UpdateOrderStatusHandler(log *slog.Logger, orderService service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.UpdateOrderStatusHandler"
		logger := log.With(slog.String("op", op))

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			logger.Error("invalid order id", slog.Any("error", err))
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}

		var req UpdateOrderStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("invalid request: decoding error", slog.Any("error", err))
			http.Error(w, "invalid request", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			logger.Error("invalid request: validation error", slog.Any("error", err))
			http.Error(w, "validation error", http.StatusBadRequest)
			return
		}

		order, err := orderService.UpdateOrderStatus(r.Context(), id, models.OrderStatus(req.Status))
		if err != nil {
			switch {
			case errors.Is(err, service.ErrInvalidStatus):
				http.Error(w, "invalid order status", http.StatusBadRequest)
			case errors.Is(err, storage.ErrOrderNotFound):
				http.Error(w, "order not found", http.StatusNotFound)
			default:
				logger.Error("failed to update order status", slog.Any("error", err))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(order); err != nil {
			logger.Error("failed to encode response", slog.Any("error", err))
		}
	}
}

// DeleteOrderHandler обрабатывает запрос DELETE /api/orders/{id}.
// Списанные при оформлении остатки не возвращаются.
func DeleteOrderHandler(log *slog.Logger, orderService service.OrderService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "handlers.DeleteOrderHandler"
		logger := log.With(slog.String("op", op))

		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			logger.Error("invalid order id", slog.Any("error", err))
			http.Error(w, "invalid order id", http.StatusBadRequest)
			return
		}

		if err := orderService.DeleteOrder(r.Context(), id); err != nil {
			if errors.Is(err, storage.ErrOrderNotFound) {
				http.Error(w, "order not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to delete order", slog.Any("error", err))
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := MessageResponse{Message: "Order deleted successfully"}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("failed to encode response", slog.Any("error", err))
		}
	}
}
