package models

import (
	"log"

	"bitbucket.org/mmdatafocus/ledger_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&NominalAccount{}, &Counterparty{},
		&LedgerTransaction{}, &DebitLine{}, &CreditLine{},
		&Allocation{}, &AllocationDetail{},
		&IntegrityDefectLog{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
