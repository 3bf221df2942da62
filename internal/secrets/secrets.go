// Package secrets resolves credentials referenced from configuration, so
// API keys need not be written into the config file itself.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// RefPrefix marks a config value as a reference to a secret, e.g.
// "secret:embedding_api_key".
const RefPrefix = "secret:"

// ErrNotFound is returned when no provider knows a key.
var ErrNotFound = errors.New("secret not found")

// Provider is a read-only secret backend.
type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Name() string
}

// Config configures a Resolver.
type Config struct {
	// File is an optional JSON object of key/value secrets.
	File string `mapstructure:"file"`
	// EnvPrefix is prepended to upper-cased keys (default: "MNEMO_").
	EnvPrefix string `mapstructure:"env_prefix"`
}

// Resolver looks secrets up in the file provider, if any, then the
// environment. Found values are cached for the life of the Resolver.
type Resolver struct {
	providers []Provider
	mu        sync.RWMutex
	cache     map[string]string
}

// NewResolver creates a Resolver for cfg.
func NewResolver(cfg Config) (*Resolver, error) {
	r := &Resolver{cache: make(map[string]string)}
	if cfg.File != "" {
		fp, err := NewFileProvider(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("create file provider: %w", err)
		}
		r.providers = append(r.providers, fp)
	}
	r.providers = append(r.providers, NewEnvProvider(cfg.EnvPrefix))
	return r, nil
}

// Get returns the secret stored under key.
func (r *Resolver) Get(ctx context.Context, key string) (string, error) {
	r.mu.RLock()
	val, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return val, nil
	}

	for _, p := range r.providers {
		val, err := p.Get(ctx, key)
		if err == nil && val != "" {
			r.mu.Lock()
			r.cache[key] = val
			r.mu.Unlock()
			return val, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", fmt.Errorf("%s provider: %w", p.Name(), err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

// Resolve returns value unchanged unless it is a RefPrefix reference, in
// which case the referenced secret is returned.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	key, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	return r.Get(ctx, key)
}

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-based secrets provider.
func NewEnvProvider(prefix string) *EnvProvider {
	if prefix == "" {
		prefix = "MNEMO_"
	}
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) Name() string { return "env" }

// Get tries the prefixed variable first, then the bare upper-cased key.
func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	envKey := p.prefix + strings.ToUpper(key)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}
	if val := os.Getenv(strings.ToUpper(key)); val != "" {
		return val, nil
	}
	return "", fmt.Errorf("%w: env var %s", ErrNotFound, envKey)
}
