package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/spf13/cobra"

	"briefing/internal/config"
)

// secretInventory lists the SecureString parameters a deployment resolves
// through _SSM_PARAM pointers, keyed by category/key.
var secretInventory = []struct {
	Key    string
	EnvVar string
}{
	{"database/url", "DATABASE_URL"},
	{"billing/stripe_webhook_secret", "STRIPE_WEBHOOK_SECRET"},
	{"email/sendgrid_api_key", "SENDGRID_API_KEY"},
	{"security/ops_api_key", "OPS_API_KEY"},
}

const (
	ssmOperationTimeout = 15 * time.Second
	opsKeyBytes         = 32
)

// SSMClient is the subset of the SSM API opsctl uses.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// secretStore writes deployment secrets under /{env}/briefing/.
type secretStore struct {
	client SSMClient
	env    string
}

func (s *secretStore) path(key string) string {
	return fmt.Sprintf("/%s/briefing/%s", s.env, key)
}

func (s *secretStore) exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.path(key)),
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		var notFound *ssmtypes.ParameterNotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking SSM parameter %q: %w", s.path(key), err)
	}
	return true, nil
}

// put writes value as a SecureString. The value is never echoed.
func (s *secretStore) put(ctx context.Context, key, value string, overwrite bool) error {
	if value == "" {
		return fmt.Errorf("value for %q must not be empty", key)
	}
	ctx, cancel := context.WithTimeout(ctx, ssmOperationTimeout)
	defer cancel()

	_, err := s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.path(key)),
		Value:     aws.String(value),
		Type:      ssmtypes.ParameterTypeSecureString,
		Overwrite: aws.Bool(overwrite),
	})
	if err != nil {
		var exists *ssmtypes.ParameterAlreadyExists
		if errors.As(err, &exists) {
			return fmt.Errorf("parameter %q already exists (use --overwrite)", s.path(key))
		}
		return fmt.Errorf("writing SSM parameter %q: %w", s.path(key), err)
	}
	return nil
}

// generateToken returns 32 random bytes hex encoded.
func generateToken() (string, error) {
	buf := make([]byte, opsKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ssmOpener builds the secret store for the selected environment.
type ssmOpener func(ctx context.Context, env string) (*secretStore, error)

func connectSSM(region, endpoint string) ssmOpener {
	return func(ctx context.Context, env string) (*secretStore, error) {
		awsCfg, err := config.LoadAWSConfig(ctx, config.AWSConfig{Region: region, EndpointURL: endpoint})
		if err != nil {
			return nil, err
		}
		return &secretStore{client: ssm.NewFromConfig(awsCfg), env: env}, nil
	}
}

func newSecretsCmd(open ssmOpener) *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage deployment secrets in SSM Parameter Store",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch env {
			case "dev", "staging", "prod":
				return nil
			}
			return fmt.Errorf("--env must be one of dev, staging, prod")
		},
	}
	cmd.PersistentFlags().StringVar(&env, "env", "dev", "target environment")

	inventory := &cobra.Command{
		Use:   "inventory",
		Short: "Report which secrets are present",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open(cmd.Context(), env)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range secretInventory {
				ok, err := store.exists(cmd.Context(), item.Key)
				if err != nil {
					return err
				}
				state := "missing"
				if ok {
					state = "present"
				}
				fmt.Fprintf(out, "%-32s %-24s %s\n", store.path(item.Key), item.EnvVar+"_SSM_PARAM", state)
			}
			return nil
		},
	}

	var overwrite bool
	put := &cobra.Command{
		Use:   "put KEY",
		Short: "Write one secret read from stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !knownSecret(key) {
				return fmt.Errorf("unknown secret %q", key)
			}
			value, err := readValue(cmd.InOrStdin())
			if err != nil {
				return err
			}
			store, err := open(cmd.Context(), env)
			if err != nil {
				return err
			}
			if err := store.put(cmd.Context(), key, value, overwrite); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d chars)\n", store.path(key), len(value))
			return nil
		},
	}
	put.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing value")

	rotate := &cobra.Command{
		Use:   "rotate-ops-key",
		Short: "Generate and store a new operator API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := generateToken()
			if err != nil {
				return err
			}
			store, err := open(cmd.Context(), env)
			if err != nil {
				return err
			}
			if err := store.put(cmd.Context(), "security/ops_api_key", token, true); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rotated %s; redeploy to pick it up\n", store.path("security/ops_api_key"))
			return nil
		},
	}

	cmd.AddCommand(inventory, put, rotate)
	return cmd
}

func knownSecret(key string) bool {
	for _, item := range secretInventory {
		if item.Key == key {
			return true
		}
	}
	return false
}

func readValue(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading value: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("no value on stdin")
	}
	return value, nil
}
