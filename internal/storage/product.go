package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/linemk/webshop/internal/domain/models"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// ProductStorage описывает методы для работы с таблицей товаров.
type ProductStorage interface {
	// ListProducts возвращает весь каталог в порядке добавления.
	ListProducts(ctx context.Context) ([]*models.Product, error)
	// CreateProduct вставляет новый товар и возвращает его с id и таймстемпами.
	CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	// UpdateProduct полностью заменяет изменяемые поля товара.
	UpdateProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	// DeleteProduct удаляет товар по id.
	DeleteProduct(ctx context.Context, id int64) error
	// GetProductForUpdateTx получает товар внутри транзакции с блокировкой строки.
	GetProductForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error)
	// DecrementStockTx уменьшает остаток товара на qty, только если остатка достаточно.
	DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, qty int) error
}

// productRepository — конкретная реализация ProductStorage.
type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт новый репозиторий товаров.
func NewProductRepository(db *sql.DB) ProductStorage {
	return &productRepository{db: db}
}

func (r *productRepository) ListProducts(ctx context.Context) ([]*models.Product, error) {
	query := `
		SELECT id, name, price, description, image_url, stock, created_at, updated_at
		FROM products
		ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		product := &models.Product{}
		if err := rows.Scan(&product.ID, &product.Name, &product.Price, &product.Description,
			&product.ImageURL, &product.Stock, &product.CreatedAt, &product.UpdatedAt); err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return products, nil
}

func (r *productRepository) CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	query := `INSERT INTO products (name, price, description, image_url, stock, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	          RETURNING id, created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		product.Name, product.Price, product.Description, product.ImageURL, product.Stock,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create product: %w", err)
	}
	return product, nil
}

// UpdateProduct заменяет весь набор изменяемых полей; побеждает последняя запись.
func (r *productRepository) UpdateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	query := `UPDATE products
	          SET name = $1, price = $2, description = $3, image_url = $4, stock = $5, updated_at = NOW()
	          WHERE id = $6
	          RETURNING created_at, updated_at`
	err := r.db.QueryRowContext(ctx, query,
		product.Name, product.Price, product.Description, product.ImageURL, product.Stock, product.ID,
	).Scan(&product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return product, nil
}

func (r *productRepository) DeleteProduct(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM products WHERE id = $1", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrProductNotFound
	}
	return nil
}

// GetProductForUpdateTx получает товар с блокировкой строки. Конкурентная
// транзакция ждёт на блокировке до коммита или отката текущей.
func (r *productRepository) GetProductForUpdateTx(ctx context.Context, tx *sql.Tx, id int64) (*models.Product, error) {
	product := &models.Product{}
	query := `SELECT id, name, price, description, image_url, stock, created_at, updated_at
	          FROM products WHERE id = $1 FOR UPDATE`
	row := tx.QueryRowContext(ctx, query, id)
	if err := row.Scan(&product.ID, &product.Name, &product.Price, &product.Description,
		&product.ImageURL, &product.Stock, &product.CreatedAt, &product.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, err
	}
	return product, nil
}

// DecrementStockTx выполняет условное списание: обновление проходит, только
// если остатка достаточно, иначе возвращается ErrInsufficientStock.
func (r *productRepository) DecrementStockTx(ctx context.Context, tx *sql.Tx, id int64, qty int) error {
	query := `UPDATE products SET stock = stock - $2, updated_at = NOW()
	          WHERE id = $1 AND stock >= $2`
	res, err := tx.ExecContext(ctx, query, id, qty)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInsufficientStock
	}
	return nil
}
