package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/edgeflare/pgtable/pkg/events"
	"github.com/edgeflare/pgtable/pkg/httputil/middleware"
	"github.com/edgeflare/pgtable/pkg/policy"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

// Config holds application-wide configuration
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	REST    RESTConfig    `mapstructure:"rest"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Events  EventsConfig  `mapstructure:"events"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tables  []TableConfig `mapstructure:"tables"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error. "none" disables request logging.
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type RESTConfig struct {
	PG           PGConfig                `mapstructure:"pg"`
	ListenAddr   string                  `mapstructure:"listenAddr"`
	BaseURL      string                  `mapstructure:"baseURL"`
	MaxBodyBytes int64                   `mapstructure:"maxBodyBytes"`
	OIDC         OIDCConfig              `mapstructure:"oidc"`
	BasicAuth    map[string]string       `mapstructure:"basicAuth"`
	Actor        middleware.ActorOptions `mapstructure:"actor"`
	CORS         CORSConfig              `mapstructure:"cors"`
	TLS          TLSConfig               `mapstructure:"tls"`
}

type PGConfig struct {
	ConnString   string        `mapstructure:"connString"`
	Schemas      []string      `mapstructure:"schemas"`
	MaxRetryTime time.Duration `mapstructure:"maxRetryTime"`
	// WatchSchema reloads the schema cache on DDL notifications.
	WatchSchema bool `mapstructure:"watchSchema"`
}

type OIDCConfig struct {
	ClientID     string        `mapstructure:"clientID"`
	ClientSecret string        `mapstructure:"clientSecret"`
	Issuer       string        `mapstructure:"issuer"`
	CacheTTL     time.Duration `mapstructure:"cacheTTL"`
}

// Enabled reports whether token introspection is configured.
func (c OIDCConfig) Enabled() bool {
	return c.ClientID != "" && c.Issuer != ""
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	AllowedHeaders   []string `mapstructure:"allowedHeaders"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type PolicyConfig struct {
	Rules []policy.Rule `mapstructure:"rules"`
}

type EventsConfig struct {
	Sinks []events.Sink `mapstructure:"sinks"`
	// Buffer is the async queue size. Zero publishes synchronously.
	Buffer         int           `mapstructure:"buffer"`
	PublishTimeout time.Duration `mapstructure:"publishTimeout"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

// TableConfig exposes one entity type. Entity is a table name of the first
// configured schema or "schema.table".
type TableConfig struct {
	Entity     string `mapstructure:"entity"`
	PrimaryKey string `mapstructure:"primaryKey"`
	// BindTargets adds to the relations derived from foreign keys. Keys are
	// lowercased by the config loader.
	BindTargets map[string]string `mapstructure:"bindTargets"`
	ViewAbility string            `mapstructure:"viewAbility"`
	BindAbility string            `mapstructure:"bindAbility"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("rest.listenAddr", ":8080")
	v.SetDefault("rest.baseURL", "")
	v.SetDefault("rest.maxBodyBytes", 1<<20)
	v.SetDefault("rest.pg.connString", "")
	v.SetDefault("rest.pg.schemas", []string{"public"})
	v.SetDefault("rest.pg.maxRetryTime", time.Minute)
	v.SetDefault("rest.pg.watchSchema", true)
	v.SetDefault("rest.oidc.clientID", "")
	v.SetDefault("rest.oidc.clientSecret", "")
	v.SetDefault("rest.oidc.issuer", "")
	v.SetDefault("rest.oidc.cacheTTL", time.Minute)
	v.SetDefault("rest.actor.rolesClaim", "roles")
	v.SetDefault("rest.cors.enabled", true)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.publishTimeout", 10*time.Second)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
}

// Load reads config from file, environment and flags, in increasing order
// of precedence. Environment variables use the PGTABLE prefix with "."
// replaced by "_", e.g. PGTABLE_REST_PG_CONNSTRING.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("pgtable")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("PGTABLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	cfg.REST.BaseURL = strings.TrimRight(cfg.REST.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.REST.ListenAddr == "" {
		errs = append(errs, errors.New("rest.listenAddr is required"))
	}
	if c.REST.BaseURL != "" && !strings.HasPrefix(c.REST.BaseURL, "/") {
		errs = append(errs, fmt.Errorf("rest.baseURL %q must start with /", c.REST.BaseURL))
	}
	if c.REST.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("rest.maxBodyBytes must not be negative"))
	}
	if (c.REST.OIDC.ClientID == "") != (c.REST.OIDC.Issuer == "") {
		errs = append(errs, errors.New("rest.oidc needs both clientID and issuer"))
	}

	entities := make(map[string]bool)
	for i, t := range c.Tables {
		switch {
		case t.Entity == "":
			errs = append(errs, fmt.Errorf("tables[%d].entity is required", i))
		case entities[t.Entity]:
			errs = append(errs, fmt.Errorf("tables[%d]: entity %q listed twice", i, t.Entity))
		}
		entities[t.Entity] = true
	}

	sinks := make(map[string]bool)
	for i, s := range c.Events.Sinks {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("events.sinks[%d].name is required", i))
		case sinks[s.Name]:
			errs = append(errs, fmt.Errorf("events.sinks[%d]: name %q listed twice", i, s.Name))
		}
		sinks[s.Name] = true
		if s.Connector == "" {
			errs = append(errs, fmt.Errorf("events.sinks[%d].connector is required", i))
		}
	}
	if c.Events.Buffer < 0 {
		errs = append(errs, errors.New("events.buffer must not be negative"))
	}
	return errors.Join(errs...)
}
