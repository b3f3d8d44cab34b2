package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Profiles      ProfilesConfig
	Resolver      ResolverConfig
	Agent         AgentConfig
	Gateway       GatewayConfig
	Databases     DatabasesConfig
	AI            AIConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// ProfilesConfig locates the database profile file loaded at process start.
type ProfilesConfig struct {
	Path string
}

// ResolverConfig holds the tunable scoring knobs for database resolution.
// MinScore is the relevance floor below which resolution reports no match;
// AmbiguityMargin is how close a runner-up may come to the top score before
// the resolver asks the user to disambiguate instead of guessing.
type ResolverConfig struct {
	MinScore        int
	AmbiguityMargin int
	StickyBonus     int
}

type AgentConfig struct {
	MaxAttempts     int
	MaxSchemaRounds int
	TurnTimeout     time.Duration
	MaxRows         int
}

// GatewayConfig is the agent-side view of the execution gateway.
type GatewayConfig struct {
	BaseURL     string
	APIKey      string
	CallTimeout time.Duration
}

// DatabasesConfig bounds the gateway-side connection pools.
type DatabasesConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
}

type AIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("KUERI_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid KUERI_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "KUERI_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_PROFILES_PATH", &cfg.Profiles.Path); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_RESOLVER_MIN_SCORE", &cfg.Resolver.MinScore); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_RESOLVER_AMBIGUITY_MARGIN", &cfg.Resolver.AmbiguityMargin); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_RESOLVER_STICKY_BONUS", &cfg.Resolver.StickyBonus); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_AGENT_MAX_ATTEMPTS", &cfg.Agent.MaxAttempts); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_AGENT_MAX_SCHEMA_ROUNDS", &cfg.Agent.MaxSchemaRounds); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_AGENT_TURN_TIMEOUT", &cfg.Agent.TurnTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_AGENT_MAX_ROWS", &cfg.Agent.MaxRows); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_GATEWAY_BASE_URL", &cfg.Gateway.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_GATEWAY_API_KEY", &cfg.Gateway.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_GATEWAY_CALL_TIMEOUT", &cfg.Gateway.CallTimeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_DB_MAX_OPEN_CONNS", &cfg.Databases.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "KUERI_DB_MAX_IDLE_CONNS", &cfg.Databases.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_DB_CONN_MAX_IDLE_TIME", &cfg.Databases.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_DB_CONN_MAX_LIFETIME", &cfg.Databases.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_DB_QUERY_TIMEOUT", &cfg.Databases.QueryTimeout); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_AI_BASE_URL", &cfg.AI.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_AI_API_KEY", &cfg.AI.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_AI_MODEL", &cfg.AI.Model); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "KUERI_AI_TEMPERATURE", &cfg.AI.Temperature); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "KUERI_AI_TIMEOUT", &cfg.AI.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "KUERI_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "KUERI_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "KUERI_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "KUERI_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Agent.MaxAttempts <= 0 {
		return Config{}, fmt.Errorf("agent max attempts must be positive")
	}
	if cfg.Agent.MaxSchemaRounds <= 0 {
		return Config{}, fmt.Errorf("agent max schema rounds must be positive")
	}
	if cfg.Resolver.AmbiguityMargin < 0 {
		return Config{}, fmt.Errorf("resolver ambiguity margin must not be negative")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "kueri-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 90 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Profiles: ProfilesConfig{
			Path: "db_profiles.json",
		},
		Resolver: ResolverConfig{
			MinScore:        2,
			AmbiguityMargin: 1,
			StickyBonus:     2,
		},
		Agent: AgentConfig{
			MaxAttempts:     3,
			MaxSchemaRounds: 4,
			TurnTimeout:     60 * time.Second,
			MaxRows:         200,
		},
		Gateway: GatewayConfig{
			BaseURL:     "http://localhost:8081",
			CallTimeout: 10 * time.Second,
		},
		Databases: DatabasesConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    10,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
			QueryTimeout:    15 * time.Second,
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o",
			Temperature: 0,
			Timeout:     30 * time.Second,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
		cfg.Auth.Required = false
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
		cfg.Auth.Required = true
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
