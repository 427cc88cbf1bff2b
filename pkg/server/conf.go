package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Conf holds the server configuration. It is read from YAML and then
// overridden by CHAN_* environment variables and command-line flags.
type Conf struct {
	// --- Listener ---
	Host string `yaml:"host"` // Bind address (empty = all interfaces)
	Port int    `yaml:"port"` // HTTP(S) port (default 8080)

	// --- Storage ---
	BoltPath         string `yaml:"bolt_path"`            // bbolt channel database (default "chanserv.db")
	ScrollbackDriver string `yaml:"scrollback_driver"`    // "sqlite", "postgres" or "" to disable
	ScrollbackDSN    string `yaml:"scrollback_dsn"`       // File path for sqlite, connection string for postgres
	ScrollbackRetain int    `yaml:"scrollback_retention"` // Seconds to keep scrollback (default 604800)

	// --- Archives ---
	ArchiveDir      string `yaml:"archive_dir"`      // Where .tar.gz snapshots are written (empty disables)
	ArchiveInterval int    `yaml:"archive_interval"` // Seconds between automatic archives (0 = manual only)
	ArchiveKeep     int    `yaml:"archive_keep"`     // Newest archives to keep (0 = keep all)

	// --- Channels ---
	SweepPeriod      int `yaml:"sweep_period"`      // Seconds between sweeps (default 60)
	MessageRetention int `yaml:"message_retention"` // Seconds cached messages stay readable (default 300)
	EventQueueLimit  int `yaml:"event_queue_limit"` // Events held per user for polling (default 256)

	// --- Auth ---
	JWTSecret string `yaml:"jwt_secret"` // Signing secret (random per boot if empty)
	JWTExpiry int    `yaml:"jwt_expiry"` // Token lifetime in seconds (default 86400)

	// --- HTTP policy (reloadable) ---
	CORSOrigins []string `yaml:"cors_origins"` // Allowed origins; empty allows all
	RateLimit   int      `yaml:"rate_limit"`   // Requests per minute per IP (default 120)

	// --- TLS ---
	TLSDomain string `yaml:"tls_domain"` // Let's Encrypt domain
	TLSCert   string `yaml:"tls_cert"`
	TLSKey    string `yaml:"tls_key"`
	CertDir   string `yaml:"cert_dir"` // Self-signed certs and autocert cache; empty disables TLS

	// --- Logging (reloadable) ---
	LogLevel string `yaml:"log_level"` // zerolog level name (default "info")
	LogJSON  bool   `yaml:"log_json"`  // JSON lines instead of console output
}

// DefaultConf returns a Conf with working defaults for a single node.
func DefaultConf() *Conf {
	return &Conf{
		Port:             8080,
		BoltPath:         "chanserv.db",
		ScrollbackDriver: "sqlite",
		ScrollbackDSN:    "scrollback.db",
		ScrollbackRetain: 7 * 86400,
		ArchiveKeep:      7,
		SweepPeriod:      60,
		MessageRetention: 300,
		EventQueueLimit:  256,
		JWTExpiry:        86400,
		RateLimit:        120,
		LogLevel:         "info",
	}
}

// LoadConf reads a YAML config file on top of DefaultConf.
func LoadConf(path string) (*Conf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	c := DefaultConf()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Validate rejects values the server cannot run with.
func (c *Conf) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.BoltPath == "" {
		return fmt.Errorf("bolt_path is required")
	}
	switch c.ScrollbackDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported scrollback_driver %q", c.ScrollbackDriver)
	}
	if c.ScrollbackDriver != "" && c.ScrollbackDSN == "" {
		return fmt.Errorf("scrollback_dsn is required for driver %q", c.ScrollbackDriver)
	}
	if c.ArchiveInterval < 0 || c.ArchiveKeep < 0 {
		return fmt.Errorf("archive_interval and archive_keep must not be negative")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	return nil
}

// ApplyEnv overrides fields from CHAN_* environment variables. lookup is
// normally os.LookupEnv.
func (c *Conf) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	str("CHAN_HOST", &c.Host)
	num("CHAN_PORT", &c.Port)
	str("CHAN_BOLT", &c.BoltPath)
	str("CHAN_SCROLLBACK_DRIVER", &c.ScrollbackDriver)
	str("CHAN_SCROLLBACK_DSN", &c.ScrollbackDSN)
	num("CHAN_SCROLLBACK_RETENTION", &c.ScrollbackRetain)
	str("CHAN_ARCHIVE_DIR", &c.ArchiveDir)
	num("CHAN_ARCHIVE_INTERVAL", &c.ArchiveInterval)
	num("CHAN_ARCHIVE_KEEP", &c.ArchiveKeep)
	num("CHAN_SWEEP_PERIOD", &c.SweepPeriod)
	num("CHAN_MESSAGE_RETENTION", &c.MessageRetention)
	str("CHAN_JWT_SECRET", &c.JWTSecret)
	num("CHAN_JWT_EXPIRY", &c.JWTExpiry)
	num("CHAN_RATE_LIMIT", &c.RateLimit)
	str("CHAN_TLS_DOMAIN", &c.TLSDomain)
	str("CHAN_TLS_CERT", &c.TLSCert)
	str("CHAN_TLS_KEY", &c.TLSKey)
	str("CHAN_CERT_DIR", &c.CertDir)
	str("CHAN_LOG_LEVEL", &c.LogLevel)
	if v, ok := lookup("CHAN_LOG_JSON"); ok && v != "" {
		c.LogJSON = strings.EqualFold(v, "true")
	}
	if v, ok := lookup("CHAN_CORS_ORIGINS"); ok && v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v, ok := lookup("CHAN_SCROLLBACK"); ok && strings.EqualFold(v, "false") {
		c.ScrollbackDriver = ""
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Addr returns the listen address.
func (c *Conf) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SweepInterval returns the sweep period as a duration.
func (c *Conf) SweepInterval() time.Duration {
	return time.Duration(c.SweepPeriod) * time.Second
}

// MessageRetentionDuration returns how long cached messages stay readable.
func (c *Conf) MessageRetentionDuration() time.Duration {
	return time.Duration(c.MessageRetention) * time.Second
}

// ScrollbackRetention returns how long scrollback rows are kept.
func (c *Conf) ScrollbackRetention() time.Duration {
	return time.Duration(c.ScrollbackRetain) * time.Second
}

// ArchivePeriod returns the automatic archive period; zero means disabled.
func (c *Conf) ArchivePeriod() time.Duration {
	if c.ArchiveDir == "" {
		return 0
	}
	return time.Duration(c.ArchiveInterval) * time.Second
}

// TLSEnabled reports whether any TLS strategy is configured.
func (c *Conf) TLSEnabled() bool {
	return c.TLSDomain != "" || c.TLSCert != "" || c.CertDir != ""
}
