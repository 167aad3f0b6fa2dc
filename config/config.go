package config

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
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
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// EnvPrefix is prepended to every environment override, e.g. DEVSERVER_SERVER_PORT.
const EnvPrefix = "DEVSERVER"

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Host        string `mapstructure:"host"`
	StrictPort  bool   `mapstructure:"strict_port"`
	Environment string `mapstructure:"environment"`
}

type RewriteConfig struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

type ProxyRule struct {
	Pattern      string         `mapstructure:"pattern"`
	Target       string         `mapstructure:"target"`
	ChangeOrigin bool           `mapstructure:"change_origin"`
	Secure       bool           `mapstructure:"secure"`
	WS           bool           `mapstructure:"ws"`
	Rewrite      *RewriteConfig `mapstructure:"rewrite"`
}

type UpstreamConfig struct {
	HealthInterval   string `mapstructure:"health_interval"`
	DialTimeout      string `mapstructure:"dial_timeout"`
	BreakerThreshold int    `mapstructure:"breaker_threshold"`
	BreakerTimeout   string `mapstructure:"breaker_timeout"`
}

type StaticConfig struct {
	Root        string `mapstructure:"root"`
	SPAFallback bool   `mapstructure:"spa_fallback"`
}

type LiveReloadConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Debounce string `mapstructure:"debounce"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Static     StaticConfig     `mapstructure:"static"`
	Proxy      []ProxyRule      `mapstructure:"proxy"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	LiveReload LiveReloadConfig `mapstructure:"live_reload"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Plugins    []string         `mapstructure:"plugins"`
}

// DefaultProxyRules are the rules used when the config file defines none:
// /api over HTTP and /ws over WebSocket, both to the local backend on 8080.
func DefaultProxyRules() []ProxyRule {
	return []ProxyRule{
		{Pattern: "^/api", Target: "http://127.0.0.1:8080", ChangeOrigin: true, Secure: false},
		{Pattern: "^/ws", Target: "ws://127.0.0.1:8080", WS: true, ChangeOrigin: true, Secure: true},
	}
}

// Loader reads configuration from defaults, an optional YAML file,
// DEVSERVER_* environment variables and bound command line flags,
// in increasing order of precedence.
type Loader struct {
	v *viper.Viper
}

// NewLoader prepares a loader. An empty path searches for devserver.yaml
// in the working directory and ./config.
func NewLoader(path string) *Loader {
	v := viper.New()

	v.SetDefault("server.port", 5173)
	v.SetDefault("server.host", true)
	v.SetDefault("server.strict_port", false)
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("static.root", "dist")
	v.SetDefault("static.spa_fallback", true)
	v.SetDefault("proxy", ruleMaps(DefaultProxyRules()))
	v.SetDefault("upstream.health_interval", "5s")
	v.SetDefault("upstream.dial_timeout", "2s")
	v.SetDefault("upstream.breaker_threshold", 5)
	v.SetDefault("upstream.breaker_timeout", "3s")
	v.SetDefault("live_reload.enabled", true)
	v.SetDefault("live_reload.debounce", "100ms")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("plugins", []string{"vue"})

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("devserver")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{v: v}
}

// BindFlags lets command line flags override file and environment values.
// Only flags that exist in fs and were changed by the user take effect.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	bindings := map[string]string{
		"server.port":        "port",
		"server.host":        "host",
		"server.strict_port": "strict-port",
		"static.root":        "root",
		"logging.level":      "log-level",
	}

	for key, name := range bindings {
		flag := fs.Lookup(name)
		if flag == nil {
			continue
		}
		if err := l.v.BindPFlag(key, flag); err != nil {
			return err
		}
	}

	return nil
}

// Load reads and validates the configuration. A missing config file is
// not an error; defaults and environment variables are used instead.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Debug("config file not found, using defaults and environment variables")
	} else {
		slog.Debug("loaded config file", slog.String("file", l.v.ConfigFileUsed()))
	}

	return l.decode()
}

// File returns the config file in use, or "" when running on defaults.
func (l *Loader) File() string {
	return l.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the file changes and hands
// every valid result to onChange. Invalid edits are logged and skipped,
// so the previous configuration stays active. It is a no-op when no
// config file was found.
func (l *Loader) Watch(ctx context.Context, log *slog.Logger, onChange func(*Config)) {
	if l.File() == "" {
		return
	}

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}

		cfg, err := l.decode()
		if err != nil {
			log.Warn("ignoring invalid config change",
				slog.String("file", e.Name),
				slog.String("error", err.Error()))
			return
		}

		log.Info("config reloaded", slog.String("file", e.Name))
		onChange(cfg)
	})
	l.v.WatchConfig()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	cfg.Server.Host = normalizeHost(cfg.Server.Host)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

// ExposesNetwork reports whether the server binds every interface.
func (c *Config) ExposesNetwork() bool {
	return c.Server.Host == "0.0.0.0" || c.Server.Host == "::"
}

// ListenAddr is the host:port the server binds.
func (c *Config) ListenAddr() string {
	host := c.Server.Host
	if c.ExposesNetwork() {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// HealthInterval, DialTimeout, BreakerTimeout and LiveReloadDebounce are
// only meaningful on a validated Config.
func (c *Config) HealthInterval() time.Duration {
	return mustDuration(c.Upstream.HealthInterval)
}

func (c *Config) DialTimeout() time.Duration {
	return mustDuration(c.Upstream.DialTimeout)
}

func (c *Config) BreakerTimeout() time.Duration {
	return mustDuration(c.Upstream.BreakerTimeout)
}

func (c *Config) LiveReloadDebounce() time.Duration {
	return mustDuration(c.LiveReload.Debounce)
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
					validation.Field(&sc.Port,
						validation.Required,
						validation.Min(1),
						validation.Max(65535),
					),
					validation.Field(&sc.Host,
						validation.By(ValidateHost),
					),
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
				)
			}),
		),
		validation.Field(&c.Static,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(StaticConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a StaticConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Root, validation.Required),
				)
			}),
		),
		validation.Field(&c.Proxy,
			validation.Each(validation.By(validateProxyRule)),
		),
		validation.Field(&c.Upstream,
			validation.Required,
			validation.By(func(value interface{}) error {
				uc, ok := value.(UpstreamConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an UpstreamConfig")
				}
				return validation.ValidateStruct(&uc,
					validation.Field(&uc.HealthInterval,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&uc.DialTimeout,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&uc.BreakerThreshold,
						validation.Min(0),
					),
					validation.Field(&uc.BreakerTimeout,
						validation.Required,
						validation.By(validateNonNegativeDuration),
					),
				)
			}),
		),
		validation.Field(&c.LiveReload,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LiveReloadConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LiveReloadConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Debounce,
						validation.Required,
						validation.By(validateNonNegativeDuration),
					),
				)
			}),
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
					validation.Field(&lc.Format,
						validation.In(LogFormatText, LogFormatJSON),
					),
				)
			}),
		),
	)
}

// normalizeHost folds the boolean form of server.host into an address.
// true means every interface; false or empty means loopback only.
func normalizeHost(host string) string {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "true", "1":
		return "0.0.0.0"
	case "", "false", "0":
		return "localhost"
	}
	return strings.TrimSpace(host)
}

// ValidateHost accepts an empty host, "::", an IP address or a DNS name.
func ValidateHost(value interface{}) error {
	host, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if host == "" || host == "::" {
		return nil
	}

	if err := is.Host.Validate(host); err != nil {
		return validation.NewError("validation_invalid_host", "invalid host")
	}

	return nil
}

func parseDuration(value interface{}) (time.Duration, error) {
	durationStr, ok := value.(string)
	if !ok {
		return 0, validation.NewError("validation_invalid_type", "must be a string")
	}

	d, err := time.ParseDuration(durationStr)
	if err != nil {
		return 0, validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return d, nil
}

func validatePositiveDuration(value interface{}) error {
	d, err := parseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return validation.NewError("validation_non_positive_duration", "must be greater than zero")
	}
	return nil
}

func validateNonNegativeDuration(value interface{}) error {
	d, err := parseDuration(value)
	if err != nil {
		return err
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}
	return nil
}

func validateProxyRule(value interface{}) error {
	rule, ok := value.(ProxyRule)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProxyRule")
	}

	if rule.Pattern == "" {
		return validation.NewError("validation_empty_pattern", "proxy pattern cannot be empty")
	}

	if strings.HasPrefix(rule.Pattern, "^") {
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return validation.NewError("validation_invalid_pattern", "proxy pattern must be a valid regular expression")
		}
	} else if !strings.HasPrefix(rule.Pattern, "/") {
		return validation.NewError("validation_invalid_pattern", "proxy pattern must start with / or ^")
	}

	if err := validateTargetURL(rule.Target); err != nil {
		return err
	}

	if rule.Rewrite != nil {
		if _, err := regexp.Compile(rule.Rewrite.From); err != nil || rule.Rewrite.From == "" {
			return validation.NewError("validation_invalid_rewrite", "rewrite.from must be a valid regular expression")
		}
	}

	return nil
}

func validateTargetURL(target string) error {
	if target == "" {
		return validation.NewError("validation_empty_url", "proxy target cannot be empty")
	}

	parsedURL, err := url.Parse(target)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	switch parsedURL.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return validation.NewError("validation_invalid_scheme", "URL must use http, https, ws or wss scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func ruleMaps(rules []ProxyRule) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(rules))
	for _, r := range rules {
		out = append(out, map[string]interface{}{
			"pattern":       r.Pattern,
			"target":        r.Target,
			"change_origin": r.ChangeOrigin,
			"secure":        r.Secure,
			"ws":            r.WS,
		})
	}
	return out
}
