package config

import (
	"context"
	"testing"
)

func TestNewSecretProvider(t *testing.T) {
	t.Setenv("APP_ENV", "local")
	if p := NewSecretProvider(); p != nil {
		t.Errorf("local: got %T, want nil", p)
	}

	t.Setenv("APP_ENV", "prod")
	t.Setenv("SECRET_SOURCE", "env")
	if _, ok := NewSecretProvider().(*EnvVarProvider); !ok {
		t.Error("SECRET_SOURCE=env: want EnvVarProvider")
	}

	t.Setenv("SECRET_SOURCE", "")
	t.Setenv("AWS_REGION", "eu-west-1")
	p, ok := NewSecretProvider().(*SSMProvider)
	if !ok {
		t.Fatal("default: want SSMProvider")
	}
	if p.region != "eu-west-1" {
		t.Errorf("region = %q", p.region)
	}
}

func TestEnvVarProvider_ReturnsOnlyPresentKeys(t *testing.T) {
	t.Setenv("/prod/briefing/database/url", "postgres://db")

	got, err := NewEnvVarProvider().GetParametersBatch(context.Background(), []string{
		"/prod/briefing/database/url",
		"/prod/briefing/security/ops_api_key",
	})
	if err != nil {
		t.Fatalf("GetParametersBatch: %v", err)
	}
	if len(got) != 1 || got["/prod/briefing/database/url"] != "postgres://db" {
		t.Errorf("got %v", got)
	}
}
