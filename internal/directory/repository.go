package directory

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists callers in PostgreSQL.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Migrate() error {
	return r.db.AutoMigrate(&Caller{})
}

// Save upserts by complete number.
func (r *Repository) Save(ctx context.Context, c *Caller) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "number_complete"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "number", "area_code", "postal_code", "street", "city", "updated_at"}),
	}).Create(c).Error
	if err != nil {
		return fmt.Errorf("failed to save caller: %w", err)
	}
	return nil
}

func (r *Repository) Find(ctx context.Context, number string) (*Caller, error) {
	var c Caller
	err := r.db.WithContext(ctx).Where("number_complete = ?", number).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caller: %w", err)
	}
	return &c, nil
}

// Delete removes the given numbers and reports how many rows went away.
func (r *Repository) Delete(ctx context.Context, numbers ...string) (int64, error) {
	if len(numbers) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).Where("number_complete IN ?", numbers).Delete(&Caller{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete callers: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns callers whose name or number contains filter, ordered by
// name. An empty filter lists everything.
func (r *Repository) List(ctx context.Context, filter string) ([]Caller, error) {
	var callers []Caller
	q := r.db.WithContext(ctx).Model(&Caller{})
	if filter != "" {
		like := "%" + filter + "%"
		q = q.Where("name ILIKE ? OR number_complete LIKE ?", like, like)
	}
	if err := q.Order("name ASC, number_complete ASC").Find(&callers).Error; err != nil {
		return nil, fmt.Errorf("failed to list callers: %w", err)
	}
	return callers, nil
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
