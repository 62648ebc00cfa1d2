package config

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/veritas-screening/veritas/internal/model"
)

var (
	validatorOnce sync.Once
	structValidator *validator.Validate
)

// serviceValidator returns the shared validator instance, registering the
// degree-tier cross-field rule on first use.
func serviceValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterStructValidation(validateDegreeRequiresEnhanced, model.ServiceConfiguration{})
		structValidator = v
	})
	return structValidator
}

// validateDegreeRequiresEnhanced enforces §6: Degrees=D3 requires Tier=Enhanced.
func validateDegreeRequiresEnhanced(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(model.ServiceConfiguration)
	if cfg.Degrees == model.DegreeD3 && cfg.Tier != model.TierEnhanced {
		sl.ReportError(cfg.Tier, "Tier", "Tier", "degree_d3_requires_enhanced", "")
	}
}

// ValidateServiceConfig validates an externally supplied ServiceConfiguration
// against its struct tags plus the degree/tier cross-field rule.
func ValidateServiceConfig(cfg model.ServiceConfiguration) error {
	if err := serviceValidator().Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid service configuration: %w", err)
	}
	return nil
}
