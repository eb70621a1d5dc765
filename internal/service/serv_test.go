package service_test

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/linemk/webshop/internal/domain/models"
	"github.com/linemk/webshop/internal/service"
	"github.com/linemk/webshop/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"golang.org/x/crypto/bcrypt"
)

type fakeUserRepo struct {
	users map[string]*models.User // ключ — email
}

var _ storage.UserStorage = (*fakeUserRepo)(nil)

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{users: make(map[string]*models.User)}
}

func (f *fakeUserRepo) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user, ok := f.users[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) CreateUser(ctx context.Context, user *models.User) (*models.User, error) {
	user.ID = int64(len(f.users) + 1)
	f.users[user.Email] = user
	return user, nil
}

func (f *fakeUserRepo) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	for _, u := range f.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

// fakeProductRepo защищён мьютексом: операции внутри транзакции
// должны переживать конкурентное оформление заказов.
type fakeProductRepo struct {
	mu       sync.Mutex
	products map[int64]*models.Product
}

var _ storage.ProductStorage = (*fakeProductRepo)(nil)

func newFakeProductRepo() *fakeProductRepo {
	return &fakeProductRepo{products: make(map[int64]*models.Product)}
}

func (f *fakeProductRepo) ListProducts(ctx context.Context) ([]*models.Product, error) {
	var products []*models.Product
	for _, p := range f.products {
		products = append(products, p)
	}
	return products, nil
}

func (f *fakeProductRepo) CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	product.ID = int64(len(f.products) + 1)
	f.products[product.ID] = product
	return product, nil
}

func (f *fakeProductRepo) UpdateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	if _, ok := f.products[product.ID]; !ok {
		return nil, storage.ErrProductNotFound
	}
	f.products[product.ID] = product
	return product, nil
}

func (f *fakeProductRepo) DeleteProduct(ctx context.Context, id int64) error {
	if _, ok := f.products[id]; !ok {
		return storage.ErrProductNotFound
	}
	delete(f.products, id)
	return nil
}

func (f *fakeProductRepo) GetProductForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[id]
	if !ok {
		return nil, storage.ErrProductNotFound
	}
	snapshot := *product
	return &snapshot, nil
}

// DecrementStockTx повторяет семантику условного UPDATE: проверка остатка
// и списание атомарны, как `stock >= qty` в одном запросе.
func (f *fakeProductRepo) DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, qty int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	product, ok := f.products[id]
	if !ok || product.Stock < qty {
		return storage.ErrInsufficientStock
	}
	product.Stock -= qty
	return nil
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[int64]*models.Order
	nextID int64
}

var _ storage.OrderStorage = (*fakeOrderRepo)(nil)

func newFakeOrderRepo() *fakeOrderRepo {
	return &fakeOrderRepo{orders: make(map[int64]*models.Order), nextID: 1}
}

func (f *fakeOrderRepo) CreateOrderTx(ctx context.Context, tx *sql.Tx, order *models.Order) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order.ID = f.nextID
	order.CreatedAt = time.Now()
	f.nextID++
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeOrderRepo) GetAllOrders(ctx context.Context) ([]*models.Order, error) {
	var orders []*models.Order
	for _, o := range f.orders {
		orders = append(orders, o)
	}
	return orders, nil
}

func (f *fakeOrderRepo) GetOrdersByUserID(ctx context.Context, userID int64) ([]*models.Order, error) {
	var orders []*models.Order
	for _, o := range f.orders {
		if o.UserID == userID {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func (f *fakeOrderRepo) UpdateOrderStatus(ctx context.Context, id int64, status models.OrderStatus) (*models.Order, error) {
	order, ok := f.orders[id]
	if !ok {
		return nil, storage.ErrOrderNotFound
	}
	order.Status = status
	return order, nil
}

func (f *fakeOrderRepo) DeleteOrder(ctx context.Context, id int64) error {
	if _, ok := f.orders[id]; !ok {
		return storage.ErrOrderNotFound
	}
	delete(f.orders, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestAuthService_LoginCreatesNewUser(t *testing.T) {
	os.Setenv("JWT_SECRET", "testsecret")
	defer os.Unsetenv("JWT_SECRET")

	userRepo := newFakeUserRepo()
	authService := service.NewAuthService(testLogger(), userRepo, time.Minute)

	token, err := authService.Login(context.Background(), "new@example.com", "password123")
	assert.NoError(t, err)
	assert.NotEmpty(t, token)

	created, err := userRepo.GetUserByEmail(context.Background(), "new@example.com")
	assert.NoError(t, err)
	assert.Equal(t, models.RoleCustomer, created.Role)
}

func TestAuthService_LoginWrongPassword(t *testing.T) {
	os.Setenv("JWT_SECRET", "testsecret")
	defer os.Unsetenv("JWT_SECRET")

	userRepo := newFakeUserRepo()
	passHash, err := bcrypt.GenerateFromPassword([]byte("rightpassword"), bcrypt.DefaultCost)
	assert.NoError(t, err)
	userRepo.users["user@example.com"] = &models.User{
		ID:       1,
		Email:    "user@example.com",
		PassHash: passHash,
		Role:     models.RoleCustomer,
	}

	authService := service.NewAuthService(testLogger(), userRepo, time.Minute)

	token, err := authService.Login(context.Background(), "user@example.com", "wrongpassword")
	assert.Error(t, err)
	assert.Empty(t, token)
}

func TestPlaceOrder_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	productRepo := newFakeProductRepo()
	productRepo.products[1] = &models.Product{
		ID: 1, Name: "Widget", Price: decimal.RequireFromString("9.99"), Stock: 10,
	}
	productRepo.products[2] = &models.Product{
		ID: 2, Name: "Gadget", Price: decimal.RequireFromString("19.50"), Stock: 5,
	}
	orderRepo := newFakeOrderRepo()
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	mock.ExpectBegin()
	mock.ExpectCommit()

	order, err := orderService.PlaceOrder(context.Background(), 7, []service.OrderLine{
		{ProductID: 1, Quantity: 3},
		{ProductID: 2, Quantity: 1},
	})
	assert.NoError(t, err)
	assert.NotNil(t, order)
	assert.Equal(t, int64(7), order.UserID)
	assert.Equal(t, models.OrderStatusPending, order.Status)

	// Сумма считается на сервере из цен каталога: 3*9.99 + 19.50
	assert.True(t, order.TotalPrice.Equal(decimal.RequireFromString("49.47")),
		"expected server-side total, got %s", order.TotalPrice)

	// Остатки списаны ровно на запрошенное количество
	assert.Equal(t, 7, productRepo.products[1].Stock)
	assert.Equal(t, 4, productRepo.products[2].Stock)

	// Цена в позиции зафиксирована из каталога
	assert.True(t, order.Items[0].Price.Equal(decimal.RequireFromString("9.99")))
	assert.Equal(t, "Widget", order.Items[0].ProductName)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	productRepo := newFakeProductRepo()
	productRepo.products[1] = &models.Product{
		ID: 1, Name: "Widget", Price: decimal.RequireFromString("9.99"), Stock: 2,
	}
	orderRepo := newFakeOrderRepo()
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	// Нехватка остатка откатывает транзакцию целиком
	mock.ExpectBegin()
	mock.ExpectRollback()

	order, err := orderService.PlaceOrder(context.Background(), 7, []service.OrderLine{
		{ProductID: 1, Quantity: 5},
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInsufficientStock))
	assert.Contains(t, err.Error(), "Widget", "error should name the product that is short")
	assert.Nil(t, order)

	// Заказ не создан, остаток не тронут
	assert.Empty(t, orderRepo.orders)
	assert.Equal(t, 2, productRepo.products[1].Stock)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrder_UnknownProduct(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	productRepo := newFakeProductRepo()
	orderRepo := newFakeOrderRepo()
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	mock.ExpectBegin()
	mock.ExpectRollback()

	order, err := orderService.PlaceOrder(context.Background(), 7, []service.OrderLine{
		{ProductID: 42, Quantity: 1},
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrProductNotFound))
	assert.Nil(t, order)
	assert.Empty(t, orderRepo.orders)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrder_EmptyOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	orderService := service.NewOrderService(testLogger(), db, newFakeProductRepo(), newFakeOrderRepo())

	order, err := orderService.PlaceOrder(context.Background(), 7, nil)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrEmptyOrder))
	assert.Nil(t, order)

	// Транзакция даже не начинается
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Нулевое и отрицательное количество отклоняются на уровне сервиса,
// независимо от валидации входного JSON.
func TestPlaceOrder_NonPositiveQuantity(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	productRepo := newFakeProductRepo()
	productRepo.products[1] = &models.Product{
		ID: 1, Name: "Widget", Price: decimal.RequireFromString("9.99"), Stock: 5,
	}
	orderRepo := newFakeOrderRepo()
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	for _, qty := range []int{0, -3} {
		order, err := orderService.PlaceOrder(context.Background(), 7, []service.OrderLine{
			{ProductID: 1, Quantity: qty},
		})
		assert.Error(t, err, "quantity %d must be rejected", qty)
		assert.True(t, errors.Is(err, service.ErrInvalidQuantity))
		assert.Nil(t, order)
	}

	// Транзакция не начинается, остаток не изменился (отрицательное
	// количество в условном списании увеличило бы его)
	assert.Empty(t, orderRepo.orders)
	assert.Equal(t, 5, productRepo.products[1].Stock)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Два одновременных заказа на последнюю единицу товара: выигрывает не более
// одного, остаток никогда не уходит в минус.
func TestPlaceOrder_ConcurrentLastUnit(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	mock.MatchExpectationsInOrder(false)

	productRepo := newFakeProductRepo()
	productRepo.products[1] = &models.Product{
		ID: 1, Name: "Widget", Price: decimal.RequireFromString("9.99"), Stock: 1,
	}
	orderRepo := newFakeOrderRepo()
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	// Одна транзакция коммитится, вторая откатывается
	mock.ExpectBegin()
	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectRollback()

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = orderService.PlaceOrder(context.Background(), int64(i+1), []service.OrderLine{
				{ProductID: 1, Quantity: 1},
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, storage.ErrInsufficientStock):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "only one order may claim the last unit")
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 0, productRepo.products[1].Stock, "stock must not go negative")
	assert.Len(t, orderRepo.orders, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateOrderStatus_InvalidStatus(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	orderRepo := newFakeOrderRepo()
	orderRepo.orders[1] = &models.Order{ID: 1, UserID: 7, Status: models.OrderStatusPending}
	orderService := service.NewOrderService(testLogger(), db, newFakeProductRepo(), orderRepo)

	order, err := orderService.UpdateOrderStatus(context.Background(), 1, "Shipped")
	assert.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrInvalidStatus))
	assert.Nil(t, order)

	// Статус заказа не изменился
	assert.Equal(t, models.OrderStatusPending, orderRepo.orders[1].Status)
}

func TestUpdateOrderStatusService_Success(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	orderRepo := newFakeOrderRepo()
	orderRepo.orders[1] = &models.Order{ID: 1, UserID: 7, Status: models.OrderStatusPending}
	orderService := service.NewOrderService(testLogger(), db, newFakeProductRepo(), orderRepo)

	order, err := orderService.UpdateOrderStatus(context.Background(), 1, models.OrderStatusCancelled)
	assert.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, order.Status)
}

func TestUpdateOrderStatusService_NotFound(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	orderService := service.NewOrderService(testLogger(), db, newFakeProductRepo(), newFakeOrderRepo())

	order, err := orderService.UpdateOrderStatus(context.Background(), 42, models.OrderStatusCompleted)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrOrderNotFound))
	assert.Nil(t, order)
}

// Заказы одного пользователя никогда не попадают в выборку другого.
func TestGetUserOrders_FiltersByUser(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	orderRepo := newFakeOrderRepo()
	orderRepo.orders[1] = &models.Order{ID: 1, UserID: 7}
	orderRepo.orders[2] = &models.Order{ID: 2, UserID: 8}
	orderService := service.NewOrderService(testLogger(), db, newFakeProductRepo(), orderRepo)

	orders, err := orderService.GetUserOrders(context.Background(), 7)
	assert.NoError(t, err)
	assert.Len(t, orders, 1)
	assert.Equal(t, int64(7), orders[0].UserID)
}

func TestDeleteOrder_KeepsStock(t *testing.T) {
	db, _, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	productRepo := newFakeProductRepo()
	productRepo.products[1] = &models.Product{ID: 1, Name: "Widget", Stock: 7}
	orderRepo := newFakeOrderRepo()
	orderRepo.orders[1] = &models.Order{ID: 1, UserID: 7, Items: []models.OrderItem{
		{ProductID: 1, Quantity: 3},
	}}
	orderService := service.NewOrderService(testLogger(), db, productRepo, orderRepo)

	err = orderService.DeleteOrder(context.Background(), 1)
	assert.NoError(t, err)
	assert.Empty(t, orderRepo.orders)
	// Удаление заказа не возвращает списанные остатки
	assert.Equal(t, 7, productRepo.products[1].Stock)
}
