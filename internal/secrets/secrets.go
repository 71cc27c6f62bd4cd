package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

// Provider resolves a key reference to secret material (wallet private keys).
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type smClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads from AWS Secrets Manager.
//
// A key of the form "<secret-id>#<field>" selects one field of a JSON object secret, so a whole
// wallet pool can live in a single secret.
type AWSProvider struct {
	client smClient

	mu    sync.Mutex
	cache map[string]string
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client smClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client, cache: make(map[string]string)}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	if p == nil || p.client == nil {
		return "", fmt.Errorf("%w: nil aws provider", ErrInvalidConfig)
	}
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}

	raw, err := p.secret(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a json object: %v", ErrInvalidConfig, id, err)
	}
	v := strings.TrimSpace(fields[field])
	if v == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return v, nil
}

func (p *AWSProvider) secret(ctx context.Context, id string) (string, error) {
	p.mu.Lock()
	v, ok := p.cache[id]
	p.mu.Unlock()
	if ok {
		return v, nil
	}

	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}
	switch {
	case out.SecretString != nil && strings.TrimSpace(*out.SecretString) != "":
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}

	p.mu.Lock()
	p.cache[id] = v
	p.mu.Unlock()
	return v, nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider {
	return &EnvProvider{}
}

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: nil env provider", ErrInvalidConfig)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Router dispatches "<scheme>:<key>" references to the provider registered for scheme.
//
//	env:POOL_ETH_KEY_1
//	aws:prod/mixer/pool#eth-1
type Router struct {
	providers map[string]Provider
}

func NewRouter(providers map[string]Provider) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: no providers", ErrInvalidConfig)
	}
	m := make(map[string]Provider, len(providers))
	for scheme, p := range providers {
		if scheme == "" || p == nil {
			return nil, fmt.Errorf("%w: empty scheme or nil provider", ErrInvalidConfig)
		}
		m[scheme] = p
	}
	return &Router{providers: m}, nil
}

func (r *Router) Get(ctx context.Context, ref string) (string, error) {
	scheme, key, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || key == "" {
		return "", fmt.Errorf("%w: malformed secret ref %q", ErrInvalidConfig, ref)
	}
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrInvalidConfig, scheme)
	}
	return p.Get(ctx, key)
}
