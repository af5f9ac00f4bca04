package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const (
	DriverEnv = "env"
	DriverAWS = "aws"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider looks up a secret such as the lock store DSN by name.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

// New returns the provider for driver. An empty driver selects env.
func New(ctx context.Context, driver string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverEnv:
		return NewEnv(), nil
	case DriverAWS:
		return NewAWS(ctx)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, driver)
	}
}

// Resolve returns literal when set and otherwise reads key from p.
func Resolve(ctx context.Context, p Provider, literal, key string) (string, error) {
	if v := strings.TrimSpace(literal); v != "" {
		return v, nil
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("%w: neither a value nor a secret key was given", ErrInvalidConfig)
	}
	if p == nil {
		return "", fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	return p.Get(ctx, key)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", fmt.Errorf("secrets/aws: get %q: %w", key, err)
	}
	if out.SecretString != nil {
		if v := strings.TrimSpace(*out.SecretString); v != "" {
			return v, nil
		}
	}
	if v := strings.TrimSpace(string(out.SecretBinary)); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%w: secret %q is empty", ErrNotFound, key)
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (*EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env name", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}
