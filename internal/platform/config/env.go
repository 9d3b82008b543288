package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DotEnvVar names the variable that overrides the dotenv file location.
const DotEnvVar = "LINKDAO_ENV_FILE"

// Option adjusts how environment variables are resolved.
type Option func(*env.Options)

// WithPrefix prepends prefix to every env tag before lookup.
func WithPrefix(prefix string) Option {
	return func(o *env.Options) {
		o.Prefix = prefix
	}
}

// WithEnvironment resolves variables from values instead of the process
// environment.
func WithEnvironment(values map[string]string) Option {
	return func(o *env.Options) {
		o.Environment = values
	}
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any, opts ...Option) error {
	var options env.Options
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if err := env.ParseWithOptions(target, options); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadDotEnv loads variables from a dotenv file without overriding values
// already present in the process environment. An empty path falls back to
// $LINKDAO_ENV_FILE and then ".env". A missing file is not an error.
func LoadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(DotEnvVar))
	}
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load dotenv %s: %w", path, err)
	}
	return nil
}
