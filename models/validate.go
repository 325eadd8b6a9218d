package models

import "github.com/go-playground/validator/v10"

// validate checks the structural rules declared on New* input structs.
// Domain rules (balance, account visibility, period locks) are enforced
// separately because they need database state.
var validate = validator.New()
