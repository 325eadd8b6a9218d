package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
	"bitbucket.org/mmdatafocus/ledger_backend/utils"
	"gorm.io/gorm"
)

// Account number ranges are business invariants, unlike the reserved account
// numbers in config.ChartConfig which are per-deployment choices.
const (
	MaxAccountNumber        = 7999
	TradingAccountFloor     = 4000
	ContraEligibleAccountLo = 1000
	ContraEligibleAccountHi = 2999
)

// IsTradingAccount reports whether the account number belongs to the trading
// (income/expense) range zeroed at year end.
func IsTradingAccount(n int) bool {
	return n >= TradingAccountFloor && n <= MaxAccountNumber
}

func IsContraEligibleAccount(n int) bool {
	return n >= ContraEligibleAccountLo && n <= ContraEligibleAccountHi
}

// NominalAccount is one numbered ledger bucket in an owner's chart of
// accounts. The ledger core reads this directory to validate postings; it is
// maintained by the account administration surface.
type NominalAccount struct {
	ID            int             `gorm:"primary_key" json:"id"`
	OwnerId       string          `gorm:"index;not null;uniqueIndex:idx_na_owner_number,priority:1" json:"owner_id"`
	AccountNumber int             `gorm:"not null;uniqueIndex:idx_na_owner_number,priority:2" json:"account_number"`
	Name          string          `gorm:"size:100;not null" json:"name"`
	MainType      AccountMainType `gorm:"type:enum('Asset','Liability','Equity','Income','Expense');default:'Expense';size:10;not null" json:"main_type"`
	Description   string          `gorm:"type:text" json:"description"`
	IsActive      *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewNominalAccount struct {
	AccountNumber int             `json:"account_number" validate:"min=0,max=7999"`
	Name          string          `json:"name" validate:"required"`
	MainType      AccountMainType `json:"main_type" validate:"required"`
	Description   string          `json:"description"`
}

// validate input for both create & update. (id = 0 for create)

func (input *NewNominalAccount) validate(ctx context.Context, ownerId string, id int) error {
	if err := validate.Struct(input); err != nil {
		return err
	}
	if err := utils.ValidateUnique[NominalAccount](ctx, ownerId, "account_number", input.AccountNumber, id); err != nil {
		return err
	}
	return nil
}

func CreateNominalAccount(ctx context.Context, ownerId string, input *NewNominalAccount) (*NominalAccount, error) {
	if err := input.validate(ctx, ownerId, 0); err != nil {
		return nil, err
	}

	account := NominalAccount{
		OwnerId:       ownerId,
		AccountNumber: input.AccountNumber,
		Name:          input.Name,
		MainType:      input.MainType,
		Description:   input.Description,
		IsActive:      utils.NewTrue(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func GetNominalAccount(ctx context.Context, ownerId string, id int) (*NominalAccount, error) {
	return utils.FetchModel[NominalAccount](ctx, ownerId, id)
}

func GetNominalAccountByNumber(ctx context.Context, ownerId string, number int) (*NominalAccount, error) {
	db := config.GetDB()
	var account NominalAccount
	err := db.WithContext(ctx).
		Where("owner_id = ? AND account_number = ?", ownerId, number).
		First(&account).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &account, nil
}

func GetNominalAccountsAll(ctx context.Context, ownerId string) ([]*NominalAccount, error) {
	return utils.FetchAllModels[NominalAccount](ctx, ownerId)
}

// resolveAccountNumbers checks inside tx that every number is an active
// account visible to the owner. Returns ErrInvalidAccount on the first miss.
func resolveAccountNumbers(tx *gorm.DB, ownerId string, numbers []int) error {
	if len(numbers) == 0 {
		return nil
	}
	unique := make(map[int]struct{}, len(numbers))
	distinct := make([]int, 0, len(numbers))
	for _, n := range numbers {
		if n < 0 || n > MaxAccountNumber {
			return ErrInvalidAccount
		}
		if _, seen := unique[n]; seen {
			continue
		}
		unique[n] = struct{}{}
		distinct = append(distinct, n)
	}
	var count int64
	err := tx.Model(&NominalAccount{}).
		Where("owner_id = ? AND account_number IN ? AND is_active = true", ownerId, distinct).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count != int64(len(distinct)) {
		return ErrInvalidAccount
	}
	return nil
}
