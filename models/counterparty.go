package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
)

// Counterparty is one trading partner in an owner's directory. The ledger
// core only reads it: transactions reference a counterparty by id, and the
// contra linker reads the address fields when mirroring a transaction.
type Counterparty struct {
	ID              int       `gorm:"primary_key" json:"id"`
	OwnerId         string    `gorm:"index;not null" json:"owner_id"`
	Name            string    `gorm:"size:255;not null" json:"name"`
	BillingAddress  string    `gorm:"type:text" json:"billing_address"`
	DeliveryAddress string    `gorm:"type:text" json:"delivery_address"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCounterparty struct {
	Name            string `json:"name" validate:"required"`
	BillingAddress  string `json:"billing_address"`
	DeliveryAddress string `json:"delivery_address"`
}

func (input *NewCounterparty) validate(ctx context.Context, ownerId string, id int) error {
	if err := validate.Struct(input); err != nil {
		return err
	}
	return utils.ValidateUnique[Counterparty](ctx, ownerId, "name", input.Name, id)
}

func CreateCounterparty(ctx context.Context, ownerId string, input *NewCounterparty) (*Counterparty, error) {
	if err := input.validate(ctx, ownerId, 0); err != nil {
		return nil, err
	}

	counterparty := Counterparty{
		OwnerId:         ownerId,
		Name:            input.Name,
		BillingAddress:  input.BillingAddress,
		DeliveryAddress: input.DeliveryAddress,
		IsActive:        utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&counterparty).Error; err != nil {
		return nil, err
	}
	return &counterparty, nil
}

func GetCounterparty(ctx context.Context, ownerId string, id int) (*Counterparty, error) {
	return utils.FetchModel[Counterparty](ctx, ownerId, id)
}
