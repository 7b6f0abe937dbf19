package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultEnvFile = ".env"
	envPrefix      = "API_"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server    ServerConfig    `envPrefix:"SERVER_"`
	Database  DatabaseConfig  `envPrefix:"DATABASE_"`
	Firebase  FirebaseConfig  `envPrefix:"FIREBASE_"`
	Firestore FirestoreConfig `envPrefix:"FIRESTORE_"`
	PubSub    PubSubConfig    `envPrefix:"PUBSUB_"`
	PSP       PSPConfig       `envPrefix:"PSP_"`
	Carrier   CarrierConfig   `envPrefix:"CARRIER_"`
	Outbox    OutboxConfig    `envPrefix:"OUTBOX_"`
	Audit     AuditConfig     `envPrefix:"AUDIT_"`
	Security  SecurityConfig  `envPrefix:"SECURITY_"`
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig configures the Postgres pool.
type DatabaseConfig struct {
	URL           string `env:"URL"`
	MaxConns      int32  `env:"MAX_CONNS" envDefault:"10"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
}

// FirebaseConfig stores Firebase project settings.
type FirebaseConfig struct {
	ProjectID       string `env:"PROJECT_ID"`
	CredentialsFile string `env:"CREDENTIALS_FILE"`
}

// FirestoreConfig stores the audit log store parameters.
type FirestoreConfig struct {
	ProjectID    string `env:"PROJECT_ID"`
	EmulatorHost string `env:"EMULATOR_HOST"`
}

// PubSubConfig names the topics notifications are published to.
type PubSubConfig struct {
	ProjectID          string `env:"PROJECT_ID"`
	NotificationsTopic string `env:"NOTIFICATIONS_TOPIC" envDefault:"order-notifications"`
}

// PSPConfig collects secrets for payment providers.
type PSPConfig struct {
	StripeAPIKey string `env:"STRIPE_API_KEY"`
}

// CarrierConfig configures the shipping rate and label provider.
type CarrierConfig struct {
	BaseURL     string        `env:"BASE_URL" envDefault:"https://api.easypost.com/v2"`
	APIKey      string        `env:"API_KEY"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"10s"`
	MaxRetries  int           `env:"MAX_RETRIES" envDefault:"3"`
	FromName    string        `env:"FROM_NAME"`
	FromLine1   string        `env:"FROM_LINE1"`
	FromCity    string        `env:"FROM_CITY"`
	FromState   string        `env:"FROM_STATE"`
	FromPostal  string        `env:"FROM_POSTAL_CODE"`
	FromCountry string        `env:"FROM_COUNTRY" envDefault:"US"`
	FromPhone   string        `env:"FROM_PHONE"`
}

// OutboxConfig controls the post-commit dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	BatchSize    int           `env:"BATCH_SIZE" envDefault:"50"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"10"`
}

// AuditConfig configures audit log hashing.
type AuditConfig struct {
	HashSalt string `env:"HASH_SALT"`
}

// SecurityConfig groups environment level security settings.
type SecurityConfig struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets resolved to nothing.
type MissingSecretsError struct {
	names []string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// Names returns the missing config field names.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// RedactedNames returns hashed identifiers safe for logs.
func (e *MissingSecretsError) RedactedNames() []string {
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		out = append(out, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the system environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// EnvironmentValues returns the merged environment using the same precedence as Load:
// .env file < process environment < explicit map.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	return mergedEnvironment(options)
}

// Load assembles the configuration from defaults, the .env file, the environment and secret references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	values, err := mergedEnvironment(options)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix, Environment: values}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Database.URL", &cfg.Database.URL},
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Carrier.APIKey", &cfg.Carrier.APIKey},
		{"Audit.HashSalt", &cfg.Audit.HashSalt},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	var missing []string
	for _, name := range options.requiredSecrets {
		name = strings.TrimSpace(name)
		if name != "" && strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, &MissingSecretsError{names: missing}
	}

	return cfg, nil
}

func defaultOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}
}

func mergedEnvironment(options loaderOptions) (map[string]string, error) {
	values := make(map[string]string)
	if options.envFile != "" {
		dotEnv, err := godotenv.Read(options.envFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: unable to read %s: %w", options.envFile, err)
		default:
			for key, value := range dotEnv {
				values[key] = value
			}
		}
	}
	if options.useSystemEnv {
		for key, value := range env.ToMap(os.Environ()) {
			values[key] = value
		}
	}
	for key, value := range options.envMap {
		values[key] = value
	}
	return values, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	if resolver == nil {
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string
	if strings.TrimSpace(cfg.Server.Port) == "" {
		missing = append(missing, "Server.Port")
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		missing = append(missing, "Database.URL")
	}
	if strings.TrimSpace(cfg.Firebase.ProjectID) == "" {
		missing = append(missing, "Firebase.ProjectID")
	}
	if cfg.Outbox.PollInterval <= 0 {
		missing = append(missing, "Outbox.PollInterval")
	}
	if cfg.Outbox.BatchSize <= 0 {
		missing = append(missing, "Outbox.BatchSize")
	}
	if cfg.Carrier.MaxRetries < 0 {
		missing = append(missing, "Carrier.MaxRetries")
	}
	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}
