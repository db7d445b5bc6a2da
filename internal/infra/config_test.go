package infra

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresAPIKey(t *testing.T) {
	t.Setenv("TRIPO_API_KEY", "")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error without TRIPO_API_KEY")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("TRIPO_API_KEY", "tsk_test")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("port = %q", cfg.Port)
	}
	if cfg.MaxWait != 5*time.Minute {
		t.Fatalf("max wait = %s", cfg.MaxWait)
	}
	if cfg.PollInitial != 2*time.Second || cfg.PollMax != 30*time.Second {
		t.Fatalf("poll schedule = %s/%s", cfg.PollInitial, cfg.PollMax)
	}
	if cfg.CreditCostMedium != 4 {
		t.Fatalf("medium cost = %d", cfg.CreditCostMedium)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Fatalf("cors origins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfigPromoExpiry(t *testing.T) {
	t.Setenv("TRIPO_API_KEY", "tsk_test")
	t.Setenv("CREDIT_PROMO_EXPIRY", "not-a-date")
	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error for malformed expiry")
	}
	t.Setenv("CREDIT_PROMO_EXPIRY", "2027-01-02T00:00:00Z")
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PromoExpiry.Year() != 2027 {
		t.Fatalf("promo expiry = %s", cfg.PromoExpiry)
	}
}
