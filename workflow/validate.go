package workflow

import "github.com/go-playground/validator/v10"

// validate checks the structural rules declared on workflow input structs.
var validate = validator.New()
