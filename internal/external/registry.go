package external

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"

	"briefing/internal/config"
	"briefing/internal/types"
)

// ClientRegistry holds the third-party clients the services depend on.
type ClientRegistry struct {
	Email          types.EmailProvider
	StripeVerifier *StripeVerifier
}

// NewClientRegistry builds clients from cfg. EMAIL_PROVIDER selects the
// email backend; a local environment always uses the stub so the service
// boots without credentials.
func NewClientRegistry(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	email, err := newEmailProvider(cfg, awsCfg, logger)
	if err != nil {
		return nil, err
	}

	return &ClientRegistry{
		Email:          email,
		StripeVerifier: NewStripeVerifier(cfg.Billing.StripeWebhookSecret, cfg.Billing.SignatureTolerance),
	}, nil
}

func newEmailProvider(cfg *config.Config, awsCfg aws.Config, logger *slog.Logger) (types.EmailProvider, error) {
	provider := cfg.Email.Provider
	if cfg.Environment == "local" {
		provider = "stub"
	}
	logger.Info("initializing email provider", "provider", provider, "environment", cfg.Environment)

	switch provider {
	case "stub":
		return NewStubEmailProvider(logger.With("client", "stub-email")), nil
	case "ses":
		return NewSESClient(awsCfg, SESClientConfig{
			ConfigSetName: cfg.Email.SESConfigSet,
			Logger:        logger.With("client", "ses"),
		}), nil
	case "sendgrid":
		return NewSendGridClient(&http.Client{Timeout: cfg.Email.SendTimeout}, SendGridClientConfig{
			APIKey:  cfg.Email.SendGridAPIKey.Unmask(),
			BaseURL: cfg.Email.SendGridBaseURL,
			Logger:  logger.With("client", "sendgrid"),
		}), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}
