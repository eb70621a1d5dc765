package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/linemk/webshop/internal/domain/models"
	"github.com/linemk/webshop/internal/storage"
)

// ProductService определяет интерфейс для управления каталогом товаров.
type ProductService interface {
	ListProducts(ctx context.Context) ([]*models.Product, error)
	CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	UpdateProduct(ctx context.Context, product *models.Product) (*models.Product, error)
	DeleteProduct(ctx context.Context, id int64) error
}

// productService — конкретная реализация ProductService.
type productService struct {
	log         *slog.Logger
	productRepo storage.ProductStorage
}

func NewProductService(log *slog.Logger, productRepo storage.ProductStorage) ProductService {
	return &productService{
		log:         log,
		productRepo: productRepo,
	}
}

func (s *productService) ListProducts(ctx context.Context) ([]*models.Product, error) {
	const op = "service.ProductService.ListProducts"
	products, err := s.productRepo.ListProducts(ctx)
	if err != nil {
		s.log.Error("failed to list products", slog.String("op", op), slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to list products: %w", op, err)
	}
	return products, nil
}

func (s *productService) CreateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	const op = "service.ProductService.CreateProduct"
	logger := s.log.With(slog.String("op", op), slog.String("name", product.Name))
	logger.Info("creating product")

	created, err := s.productRepo.CreateProduct(ctx, product)
	if err != nil {
		logger.Error("failed to create product", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to create product: %w", op, err)
	}

	logger.Info("product created", slog.Int64("productID", created.ID))
	return created, nil
}

// UpdateProduct заменяет изменяемые поля целиком: частичного обновления нет,
// при конкурентных правках побеждает последняя запись.
func (s *productService) UpdateProduct(ctx context.Context, product *models.Product) (*models.Product, error) {
	const op = "service.ProductService.UpdateProduct"
	logger := s.log.With(slog.String("op", op), slog.Int64("productID", product.ID))
	logger.Info("updating product")

	updated, err := s.productRepo.UpdateProduct(ctx, product)
	if err != nil {
		logger.Error("failed to update product", slog.Any("error", err))
		return nil, fmt.Errorf("%s: failed to update product: %w", op, err)
	}
	return updated, nil
}

func (s *productService) DeleteProduct(ctx context.Context, id int64) error {
	const op = "service.ProductService.DeleteProduct"
	logger := s.log.With(slog.String("op", op), slog.Int64("productID", id))
	logger.Info("deleting product")

	if err := s.productRepo.DeleteProduct(ctx, id); err != nil {
		logger.Error("failed to delete product", slog.Any("error", err))
		return fmt.Errorf("%s: failed to delete product: %w", op, err)
	}
	return nil
}
