// Package config loads the application configuration from defaults, an
// optional YAML file, and SEOMANAGER_* environment overrides, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/vrijsinghani/seoclientmanager-sub000/crew/broadcast"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/engine"
	"github.com/vrijsinghani/seoclientmanager-sub000/crew/humaninput"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/cache"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/database"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/server"
	"github.com/vrijsinghani/seoclientmanager-sub000/internal/telemetry"
	"github.com/vrijsinghani/seoclientmanager-sub000/llm/factory"
)

// Config is the full application configuration.
type Config struct {
	Server     server.Config     `yaml:"server"`
	Log        LogConfig         `yaml:"log"`
	Database   database.Config   `yaml:"database"`
	Cache      cache.Config      `yaml:"cache"`
	Telemetry  telemetry.Config  `yaml:"telemetry"`
	LLM        LLMConfig         `yaml:"llm"`
	Engine     engine.Config     `yaml:"engine"`
	HumanInput humaninput.Config `yaml:"human_input"`
	Broadcast  broadcast.Config  `yaml:"broadcast"`
	Pool       PoolConfig        `yaml:"pool"`
	Auth       AuthConfig        `yaml:"auth"`
	API        APIConfig         `yaml:"api"`
	Metrics    MetricsConfig     `yaml:"metrics"`

	// CrewDir holds the crew definition files loaded at startup.
	CrewDir string `yaml:"crew_dir"`
}

// LogConfig shapes the zap logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or console.
	Format string `yaml:"format"`

	OutputPaths      []string `yaml:"output_paths"`
	EnableCaller     bool     `yaml:"enable_caller"`
	EnableStacktrace bool     `yaml:"enable_stacktrace"`
}

// LLMConfig maps backend names to their credentials. Bindings like
// "openai/gpt-4o" resolve against this table.
type LLMConfig struct {
	Backends map[string]factory.BackendConfig `yaml:"backends"`
}

// PoolConfig sizes the execution worker pool.
type PoolConfig struct {
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// AuthConfig controls API authentication. Disabled is meant for local
// development only.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Disabled  bool   `yaml:"disabled"`
}

// APIConfig tunes the public HTTP surface.
type APIConfig struct {
	RateLimitRPS       float64  `yaml:"rate_limit_rps"`
	RateLimitBurst     int      `yaml:"rate_limit_burst"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// BuildLogger constructs the process logger from the log section.
func (c LogConfig) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", c.Level, err)
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if len(c.OutputPaths) > 0 {
		zc.OutputPaths = c.OutputPaths
	}
	zc.DisableCaller = !c.EnableCaller
	zc.DisableStacktrace = !c.EnableStacktrace
	return zc.Build()
}

// Validate checks cross-field constraints the component packages cannot
// see on their own.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr must not be empty")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not supported", c.Log.Format))
	}
	if !c.Auth.Disabled && c.Auth.JWTSecret == "" {
		errs = append(errs, "auth.jwt_secret is required unless auth.disabled is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Loader builds a Config from defaults, an optional file, and the
// environment.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the SEOMANAGER env prefix.
func NewLoader() *Loader {
	return &Loader{envPrefix: "SEOMANAGER"}
}

// WithConfigPath sets the YAML file to load. A missing file is not an
// error; defaults and environment still apply.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix overrides the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator appends an extra validation step.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration: defaults, then file, then env.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}
	l.applyBackendEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", l.configPath, err)
	}
	return nil
}

// setFieldsFromEnv walks the config struct and overrides fields from
// PREFIX_SECTION_FIELD variables, deriving names from yaml tags.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		name := envName(t.Field(i))
		if name == "" {
			continue
		}
		key := prefix + "_" + name

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value := os.Getenv(key)
		if value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// applyBackendEnv reads LLM credentials from PREFIX_LLM_<BACKEND>_API_KEY
// and _BASE_URL, creating backend entries as needed. Keys never belong in
// the YAML file.
func (l *Loader) applyBackendEnv(cfg *Config) {
	for _, backend := range []string{"openai", "deepseek", "openrouter"} {
		envBase := l.envPrefix + "_LLM_" + strings.ToUpper(backend)
		apiKey := os.Getenv(envBase + "_API_KEY")
		baseURL := os.Getenv(envBase + "_BASE_URL")
		if apiKey == "" && baseURL == "" {
			continue
		}
		if cfg.LLM.Backends == nil {
			cfg.LLM.Backends = make(map[string]factory.BackendConfig)
		}
		bc := cfg.LLM.Backends[backend]
		if apiKey != "" {
			bc.APIKey = apiKey
		}
		if baseURL != "" {
			bc.BaseURL = baseURL
		}
		cfg.LLM.Backends[backend] = bc
	}
}

// envName derives the env segment from the field's yaml tag, falling back
// to the json tag for structs that only carry one.
func envName(f reflect.StructField) string {
	tag := f.Tag.Get("yaml")
	if tag == "" {
		tag = f.Tag.Get("json")
	}
	tag, _, _ = strings.Cut(tag, ",")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.ToUpper(tag)
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

// MustLoad loads from path and panics on failure. For main() use only.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("load config: %v", err))
	}
	return cfg
}
