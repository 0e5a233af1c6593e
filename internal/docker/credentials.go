package docker

import (
	"context"
	"encoding/json"
	"fmt"

	"imageforge/pkg/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// RegistryCredentials holds the username/password pair stored in Secrets
// Manager for registry logins
type RegistryCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialsStore resolves registry credentials from AWS Secrets Manager
type CredentialsStore struct {
	client *secretsmanager.Client
	logger *logger.Logger
}

// NewCredentialsStore creates a Secrets Manager backed credentials store
func NewCredentialsStore(ctx context.Context, region string, logger *logger.Logger) (*CredentialsStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return &CredentialsStore{
		client: secretsmanager.NewFromConfig(cfg),
		logger: logger,
	}, nil
}

// VerifyAccess confirms the secret exists and is readable before any build
// needs it
func (s *CredentialsStore) VerifyAccess(ctx context.Context, secretArn string) error {
	_, err := s.client.DescribeSecret(ctx, &secretsmanager.DescribeSecretInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return fmt.Errorf("failed to access secret: %w", err)
	}

	s.logger.Info().
		Str("secret_arn", secretArn).
		Msg("Verified registry credentials secret access")

	return nil
}

// GetRegistryCredentials fetches and decodes the registry credential secret
func (s *CredentialsStore) GetRegistryCredentials(ctx context.Context, secretArn string) (*RegistryCredentials, error) {
	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretArn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret value: %w", err)
	}

	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", secretArn)
	}

	var creds RegistryCredentials
	if err := json.Unmarshal([]byte(*result.SecretString), &creds); err != nil {
		return nil, fmt.Errorf("failed to decode registry credentials: %w", err)
	}

	if creds.Username == "" || creds.Password == "" {
		return nil, fmt.Errorf("registry credentials secret is missing username or password")
	}

	return &creds, nil
}
