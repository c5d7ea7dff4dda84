package external

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"

	"briefing/internal/config"
)

func TestNewClientRegistry_SelectsProvider(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		provider string
		check    func(t *testing.T, reg *ClientRegistry)
	}{
		{"local forces stub", "local", "sendgrid", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Email.(*StubEmailProvider); !ok {
				t.Errorf("expected stub, got %T", reg.Email)
			}
		}},
		{"sendgrid", "prod", "sendgrid", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Email.(*SendGridClient); !ok {
				t.Errorf("expected sendgrid, got %T", reg.Email)
			}
		}},
		{"ses", "prod", "ses", func(t *testing.T, reg *ClientRegistry) {
			if _, ok := reg.Email.(*SESClient); !ok {
				t.Errorf("expected ses, got %T", reg.Email)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}
			cfg.Email.Provider = tt.provider
			cfg.Email.SendGridAPIKey = "SG.key"
			cfg.Billing.StripeWebhookSecret = testWebhookSecret

			reg, err := NewClientRegistry(cfg, aws.Config{Region: "us-east-1"}, nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if reg.StripeVerifier == nil {
				t.Fatal("verifier not configured")
			}
			tt.check(t, reg)
		})
	}
}

func TestNewClientRegistry_UnknownProvider(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Email.Provider = "carrier-pigeon"
	if _, err := NewClientRegistry(cfg, aws.Config{}, nil); err == nil {
		t.Error("expected error for unknown provider")
	}
}
