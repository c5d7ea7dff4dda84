package config

import "os"

// NewSecretProvider picks the provider for the process environment. Local
// development needs none. SECRET_SOURCE=env resolves pointer paths from
// variables of the same name, for runtimes that inject secrets directly.
func NewSecretProvider() SecretProvider {
	if os.Getenv("APP_ENV") == localEnv {
		return nil
	}
	if os.Getenv("SECRET_SOURCE") == "env" {
		return NewEnvVarProvider()
	}
	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}
	return NewSSMProvider(region)
}
