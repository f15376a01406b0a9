package config

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/Naiiiiixiang/linkerd2-proxy/internal/policy/wire"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	FallbackDrop        = "drop"
	FallbackPassthrough = "passthrough"
)

type ServerConfig struct {
	Address     string `mapstructure:"address"`
	Environment string `mapstructure:"environment"`

	// Destination is the logical destination the listener fronts, in
	// host:port form. Policy lookups key on it.
	Destination string `mapstructure:"destination"`
}

type AdminConfig struct {
	Address string `mapstructure:"address"`
}

type DetectConfig struct {
	// Timeout bounds protocol detection on policies the store seeds
	// itself for unknown destinations.
	Timeout string `mapstructure:"timeout"`

	// Fallback selects what happens to connections whose protocol
	// stays undetected: "drop" or "passthrough".
	Fallback string `mapstructure:"fallback"`
}

type PolicyCacheConfig struct {
	Size        int    `mapstructure:"size"`
	IdleTimeout string `mapstructure:"idle_timeout"`
}

type BreakerConfig struct {
	Threshold    int    `mapstructure:"threshold"`
	ResetTimeout string `mapstructure:"reset_timeout"`
}

type HealthCheckConfig struct {
	Interval string `mapstructure:"interval"`
	Path     string `mapstructure:"path"`
}

type BackendConfig struct {
	Name   string `mapstructure:"name"`
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

type PolicyConfig struct {
	Destination string      `mapstructure:"destination"`
	Policy      wire.Policy `mapstructure:"policy"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Detect      DetectConfig      `mapstructure:"detect"`
	PolicyCache PolicyCacheConfig `mapstructure:"policy_cache"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	HealthCheck HealthCheckConfig `mapstructure:"health_check"`
	Backends    []BackendConfig   `mapstructure:"backends"`
	Policies    []PolicyConfig    `mapstructure:"policies"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

func Load() (*Config, error) {
	viper.SetDefault("server.environment", EnvDev)
	viper.SetDefault("server.address", ":4140")
	viper.SetDefault("admin.address", ":4191")
	viper.SetDefault("detect.timeout", "10s")
	viper.SetDefault("detect.fallback", FallbackDrop)
	viper.SetDefault("policy_cache.size", 1024)
	viper.SetDefault("policy_cache.idle_timeout", "5m")
	viper.SetDefault("breaker.threshold", 5)
	viper.SetDefault("breaker.reset_timeout", "10s")
	viper.SetDefault("health_check.interval", "2s")
	viper.SetDefault("health_check.path", "/healthz")
	viper.SetDefault("logging.level", LogLevelInfo)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Info("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", viper.ConfigFileUsed()))
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.Destination,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.Required,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
				)
			}),
		),
		validation.Field(&c.Detect,
			validation.Required,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DetectConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DetectConfig")
				}
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.Timeout,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&dc.Fallback,
						validation.Required,
						validation.In(FallbackDrop, FallbackPassthrough),
					),
				)
			}),
		),
		validation.Field(&c.PolicyCache,
			validation.Required,
			validation.By(func(value interface{}) error {
				pc, ok := value.(PolicyCacheConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a PolicyCacheConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.Size,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&pc.IdleTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.Breaker,
			validation.Required,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BreakerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BreakerConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.Threshold,
						validation.Required,
						validation.Min(1),
					),
					validation.Field(&bc.ResetTimeout,
						validation.Required,
						validation.By(validateDuration),
					),
				)
			}),
		),
		validation.Field(&c.HealthCheck,
			validation.Required,
			validation.By(func(value interface{}) error {
				hc, ok := value.(HealthCheckConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a HealthCheckConfig")
				}
				return validation.ValidateStruct(&hc,
					validation.Field(&hc.Interval,
						validation.Required,
						validation.By(validateDuration),
					),
					validation.Field(&hc.Path,
						validation.Required,
					),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Each(validation.By(validateBackendConfig)),
		),
		validation.Field(&c.Policies,
			validation.Each(validation.By(validatePolicyConfig)),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validateBackendConfig(value interface{}) error {
	backend, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	if backend.Name == "" {
		return validation.NewError("validation_empty_name", "backend name cannot be empty")
	}

	if backend.URL == "" {
		return validation.NewError("validation_empty_url", "backend URL cannot be empty")
	}

	parsedURL, err := url.Parse(backend.URL)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	if backend.Weight < 1 {
		return validation.NewError("validation_invalid_weight", "weight must be at least 1")
	}

	return nil
}

func validatePolicyConfig(value interface{}) error {
	pc, ok := value.(PolicyConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a PolicyConfig")
	}

	if err := validateHostPort(pc.Destination); err != nil {
		return err
	}

	// Full semantic validation happens when the policy is published;
	// here we only require that the document translates at all.
	if _, err := pc.Policy.Build(); err != nil {
		return validation.NewError("validation_invalid_policy", err.Error())
	}

	return nil
}
