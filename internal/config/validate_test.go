package config

import (
	"testing"

	"github.com/google/uuid"

	"github.com/veritas-screening/veritas/internal/model"
)

func baseServiceConfig() model.ServiceConfiguration {
	return model.ServiceConfiguration{
		Tier:      model.TierStandard,
		Vigilance: model.VigilanceV1,
		Degrees:   model.DegreeD1,
		Review:    model.ReviewAutomated,
		Locale:    "US",
		OrgID:     uuid.New(),
	}
}

func TestValidateServiceConfig_Valid(t *testing.T) {
	cfg := baseServiceConfig()
	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("expected valid config to pass, got: %v", err)
	}
}

func TestValidateServiceConfig_D3RequiresEnhanced(t *testing.T) {
	cfg := baseServiceConfig()
	cfg.Degrees = model.DegreeD3
	cfg.Tier = model.TierStandard

	if err := ValidateServiceConfig(cfg); err == nil {
		t.Fatal("expected D3 degree with Standard tier to fail validation")
	}
}

func TestValidateServiceConfig_D3WithEnhancedPasses(t *testing.T) {
	cfg := baseServiceConfig()
	cfg.Degrees = model.DegreeD3
	cfg.Tier = model.TierEnhanced

	if err := ValidateServiceConfig(cfg); err != nil {
		t.Fatalf("expected D3 degree with Enhanced tier to pass, got: %v", err)
	}
}

func TestValidateServiceConfig_MissingOrgID(t *testing.T) {
	cfg := baseServiceConfig()
	cfg.OrgID = uuid.Nil

	if err := ValidateServiceConfig(cfg); err == nil {
		t.Fatal("expected missing OrgID to fail validation")
	}
}

func TestValidateServiceConfig_InvalidTierEnum(t *testing.T) {
	cfg := baseServiceConfig()
	cfg.Tier = "gold"

	if err := ValidateServiceConfig(cfg); err == nil {
		t.Fatal("expected invalid tier enum to fail validation")
	}
}
