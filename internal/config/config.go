// Package config carga la configuración YAML del servidor con defaults
// sanos y overrides por variables de entorno.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

		// RateLimit aplica a los endpoints de emisión de tokens.
		// Max 0 desactiva el limiter.
		RateLimit struct {
			Max    int    `yaml:"max"`
			Window string `yaml:"window"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Storage struct {
		// memory | redis | postgres
		Driver   string `yaml:"driver"`
		Postgres struct {
			DSN             string `yaml:"dsn"`
			MaxConns        int    `yaml:"max_conns"`
			ConnMaxLifetime string `yaml:"conn_max_lifetime"`
		} `yaml:"postgres"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"storage"`

	Tokens struct {
		Issuer     string `yaml:"issuer"`
		DefaultAlg string `yaml:"default_alg"` // EdDSA | ES256
		AccessTTL  string `yaml:"access_ttl"`
		RefreshTTL string `yaml:"refresh_ttl"`
		IDTTL      string `yaml:"id_ttl"`
		RPTTTL     string `yaml:"rpt_ttl"`
	} `yaml:"tokens"`

	Grants struct {
		CodeTTL                string `yaml:"code_ttl"`
		GrantTTL               string `yaml:"grant_ttl"`
		DisableRefreshRotation bool   `yaml:"disable_refresh_rotation"`
		SweepInterval          string `yaml:"sweep_interval"`
	} `yaml:"grants"`

	CIBA struct {
		DefaultInterval string `yaml:"default_interval"`
		MaxLifetime     string `yaml:"max_lifetime"`
		NotifyTimeout   string `yaml:"notify_timeout"`
	} `yaml:"ciba"`

	UMA struct {
		TicketTTL string `yaml:"ticket_ttl"`
	} `yaml:"uma"`

	Security struct {
		// base64(32 bytes) para cifrar secretos at-rest
		SecretBoxMasterKey string `yaml:"secretbox_master_key"`
	} `yaml:"security"`

	// Clients registrados estáticamente (dev / despliegues chicos).
	Clients []ClientConfig `yaml:"clients"`

	Flags struct {
		Migrate bool `yaml:"migrate"`
	} `yaml:"flags"`
}

// ClientConfig es la metadata YAML de un cliente del registro estático.
type ClientConfig struct {
	ClientID   string `yaml:"client_id"`
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`        // confidential | public
	AuthMethod string `yaml:"auth_method"` // client_secret_basic | client_secret_post | none

	// SecretHash es el PHC argon2id; el secreto plano nunca vive en YAML.
	SecretHash string `yaml:"secret_hash"`

	GrantTypes   []string `yaml:"grant_types"`
	RedirectURIs []string `yaml:"redirect_uris"`
	Scopes       []string `yaml:"scopes"`

	RequirePKCE bool   `yaml:"require_pkce"`
	TokenAlg    string `yaml:"token_alg"`

	AccessTokenTTL  string `yaml:"access_token_ttl"`
	RefreshTokenTTL string `yaml:"refresh_token_ttl"`
	IDTokenTTL      string `yaml:"id_token_ttl"`

	Backchannel         string `yaml:"backchannel"` // poll | ping | push
	BackchannelEndpoint string `yaml:"backchannel_endpoint"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RateLimit.Window == "" {
		c.Server.RateLimit.Window = "1m"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.Prefix == "" {
		c.Storage.Redis.Prefix = "jg:"
	}
	if c.Tokens.DefaultAlg == "" {
		c.Tokens.DefaultAlg = "EdDSA"
	}
	if c.Tokens.AccessTTL == "" {
		c.Tokens.AccessTTL = "15m"
	}
	if c.Tokens.RefreshTTL == "" {
		c.Tokens.RefreshTTL = "720h" // 30d
	}
	if c.Tokens.RPTTTL == "" {
		c.Tokens.RPTTTL = "1h"
	}
	if c.Grants.CodeTTL == "" {
		c.Grants.CodeTTL = "5m"
	}
	if c.Grants.GrantTTL == "" {
		c.Grants.GrantTTL = "720h"
	}
	if c.Grants.SweepInterval == "" {
		c.Grants.SweepInterval = "5m"
	}
	if c.CIBA.DefaultInterval == "" {
		c.CIBA.DefaultInterval = "5s"
	}
	if c.CIBA.MaxLifetime == "" {
		c.CIBA.MaxLifetime = "10m"
	}
	if c.CIBA.NotifyTimeout == "" {
		c.CIBA.NotifyTimeout = "10s"
	}
	if c.UMA.TicketTTL == "" {
		c.UMA.TicketTTL = "5m"
	}

	// Overrides por env
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate chequea coherencia y que todas las duraciones parseen.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "postgres" && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres driver requires storage.postgres.dsn")
	}
	if c.Storage.Driver == "redis" && c.Storage.Redis.Addr == "" {
		return fmt.Errorf("config: redis driver requires storage.redis.addr")
	}
	if c.Tokens.Issuer == "" {
		return fmt.Errorf("config: tokens.issuer is required")
	}
	switch c.Tokens.DefaultAlg {
	case "EdDSA", "ES256":
	default:
		return fmt.Errorf("config: unsupported tokens.default_alg %q", c.Tokens.DefaultAlg)
	}

	durs := map[string]string{
		"tokens.access_ttl":                  c.Tokens.AccessTTL,
		"tokens.refresh_ttl":                 c.Tokens.RefreshTTL,
		"tokens.id_ttl":                      c.Tokens.IDTTL,
		"tokens.rpt_ttl":                     c.Tokens.RPTTTL,
		"grants.code_ttl":                    c.Grants.CodeTTL,
		"grants.grant_ttl":                   c.Grants.GrantTTL,
		"grants.sweep_interval":              c.Grants.SweepInterval,
		"ciba.default_interval":              c.CIBA.DefaultInterval,
		"ciba.max_lifetime":                  c.CIBA.MaxLifetime,
		"ciba.notify_timeout":                c.CIBA.NotifyTimeout,
		"uma.ticket_ttl":                     c.UMA.TicketTTL,
		"server.rate_limit.window":           c.Server.RateLimit.Window,
		"storage.postgres.conn_max_lifetime": c.Storage.Postgres.ConnMaxLifetime,
	}
	for name, v := range durs {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}

	for i := range c.Clients {
		cl := &c.Clients[i]
		if cl.ClientID == "" {
			return fmt.Errorf("config: clients[%d] missing client_id", i)
		}
		for _, d := range []string{cl.AccessTokenTTL, cl.RefreshTokenTTL, cl.IDTokenTTL} {
			if d == "" {
				continue
			}
			if _, err := time.ParseDuration(d); err != nil {
				return fmt.Errorf("config: client %s: %w", cl.ClientID, err)
			}
		}
	}
	return nil
}

// Dur parsea una duración ya validada; cero si está vacía.
func Dur(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, _ := time.ParseDuration(s)
	return d
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}

// applyEnvOverrides pisa el YAML con variables de entorno.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}

	if v, ok := getEnvStr("STORAGE_DRIVER"); ok {
		c.Storage.Driver = v
	}
	if v, ok := getEnvStr("POSTGRES_DSN"); ok {
		c.Storage.Postgres.DSN = v
	}
	if v, ok := getEnvInt("POSTGRES_MAX_CONNS"); ok {
		c.Storage.Postgres.MaxConns = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Storage.Redis.Addr = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Storage.Redis.Password = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Storage.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Storage.Redis.Prefix = v
	}

	if v, ok := getEnvStr("TOKEN_ISSUER"); ok {
		c.Tokens.Issuer = v
	}
	if v, ok := getEnvStr("TOKEN_DEFAULT_ALG"); ok {
		c.Tokens.DefaultAlg = v
	}
	if v, ok := getEnvStr("TOKEN_ACCESS_TTL"); ok {
		c.Tokens.AccessTTL = v
	}
	if v, ok := getEnvStr("TOKEN_REFRESH_TTL"); ok {
		c.Tokens.RefreshTTL = v
	}

	if v, ok := getEnvBool("GRANTS_DISABLE_REFRESH_ROTATION"); ok {
		c.Grants.DisableRefreshRotation = v
	}
	if v, ok := getEnvStr("GRANTS_SWEEP_INTERVAL"); ok {
		c.Grants.SweepInterval = v
	}

	if v, ok := getEnvStr("SECRETBOX_MASTER_KEY"); ok {
		c.Security.SecretBoxMasterKey = v
	}
	if v, ok := getEnvBool("FLAGS_MIGRATE"); ok {
		c.Flags.Migrate = v
	}
}
