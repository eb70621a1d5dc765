package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus — статус заказа, единый закрытый набор значений
// для всех слоёв (хранилище, сервисы, транспорт).
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// Valid проверяет, входит ли статус в допустимый набор.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// Order представляет заказ пользователя
type Order struct {
	ID         int64           `json:"id"`
	UserID     int64           `json:"userId"`
	UserName   string          `json:"userName,omitempty"` // Имя покупателя; заполняется через JOIN с таблицей users
	Items      []OrderItem     `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// OrderItem — позиция заказа. Название и цена товара фиксируются
// на момент оформления, чтобы история оставалась читаемой после
// изменения или удаления товара.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"orderId"`
	ProductID   int64           `json:"productId"`
	ProductName string          `json:"productName"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
}
