package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
)

/* DB fetching */

// fetch model from db
// (owner_id is used in query's WHERE, may return RecordNotFound)
func FetchModel[T any](ctx context.Context, ownerId string, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("owner_id = ?", ownerId)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// fetch all models from db scoped by owner
func FetchAllModels[T any](ctx context.Context, ownerId string, associations ...string) ([]*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("owner_id = ?", ownerId)
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var results []*T
	err := dbCtx.Find(&results).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return results, nil
}

// check if a column value is unique within an owner's rows, excluding exceptId
// (exceptId = 0 for create)
func ValidateUnique[T any](ctx context.Context, ownerId string, column string, value interface{}, exceptId int) error {
	db := config.GetDB()
	var model T
	var count int64
	dbCtx := db.WithContext(ctx).Model(&model).
		Where("owner_id = ?", ownerId).
		Where(column+" = ?", value)
	if exceptId > 0 {
		dbCtx = dbCtx.Where("id != ?", exceptId)
	}
	if err := dbCtx.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrorDuplicateValue
	}
	return nil
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}
