package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config/log"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config/prometheus"
	"gitlab.com/rendezvous/rendezvous-monitor/internal/config/sentry"
)

// Duration is a trick to let our TOML library parse durations from strings.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

// MarshalText implements the encoding.TextMarshaler interface.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// BackendType names a storage backend implementation.
type BackendType string

const (
	// BackendRedis is a key-value cache scanned with SCAN.
	BackendRedis BackendType = "redis"
	// BackendDynamoDB is a wide-column table scanned with last-evaluated-key pagination.
	BackendDynamoDB BackendType = "dynamodb"
	// BackendMySQL is a relational table scanned with LIMIT offset pagination.
	BackendMySQL BackendType = "mysql"
	// BackendPostgres is the Postgres dialect of the relational backend.
	BackendPostgres BackendType = "postgres"
	// BackendS3 is an object store listed with continuation tokens.
	BackendS3 BackendType = "s3"
)

// regionFullNames expands the short region names used by deployment scripts.
var regionFullNames = map[string]string{
	"eu": "eu-central-1",
	"us": "us-east-1",
}

// ExpandRegion returns the full region name for a short alias, or the
// region unchanged when it is not an alias.
func ExpandRegion(region string) string {
	if full, ok := regionFullNames[region]; ok {
		return full
	}
	return region
}

// Rendezvous configures the connection to the coordination server.
type Rendezvous struct {
	Address string `toml:"address,omitempty"`
	// RPCTimeout bounds every unary call made to the coordinator.
	RPCTimeout Duration `toml:"rpc_timeout,omitempty"`
	// ServerUnavailableRetry is the fixed delay before retrying an operation
	// that failed because the coordinator was unavailable.
	ServerUnavailableRetry Duration `toml:"server_unavailable_retry,omitempty"`
}

// Scan configures the reconciliation scanner.
type Scan struct {
	Enabled bool `toml:"enabled,omitempty"`
	// Interval between two scanned pages. Defaults to a quarter of the
	// metadata validity.
	Interval Duration `toml:"interval,omitempty"`
	// PageSize bounds the number of metadata records read per tick.
	PageSize int `toml:"page_size,omitempty"`
	// KnownClosedSize is the capacity of the cache of recently closed bids.
	KnownClosedSize int `toml:"known_closed_size,omitempty"`
}

// Redis holds the connection parameters of a redis backend.
type Redis struct {
	Address     string   `toml:"address,omitempty"`
	Password    string   `toml:"password,omitempty"`
	DB          int      `toml:"db,omitempty"`
	Prefix      string   `toml:"prefix,omitempty"`
	DialTimeout Duration `toml:"dial_timeout,omitempty"`
	ReadTimeout Duration `toml:"read_timeout,omitempty"`
}

// DynamoDB holds the connection parameters of a DynamoDB backend.
type DynamoDB struct {
	Region   string `toml:"region,omitempty"`
	Endpoint string `toml:"endpoint,omitempty"`
	// MetadataTable holds one item per open branch, keyed by bid.
	MetadataTable string `toml:"metadata_table,omitempty"`
	// ClientTable holds the application objects the branches point to.
	ClientTable         string `toml:"client_table,omitempty"`
	ClientKeyAttribute  string `toml:"client_key_attribute,omitempty"`
	RendezvousAttribute string `toml:"rendezvous_attribute,omitempty"`
}

// SQL holds the connection parameters of a relational backend.
type SQL struct {
	Host           string   `toml:"host,omitempty"`
	Port           int      `toml:"port,omitempty"`
	User           string   `toml:"user,omitempty"`
	Password       string   `toml:"password,omitempty"`
	DBName         string   `toml:"dbname,omitempty"`
	SSLMode        string   `toml:"sslmode,omitempty"`
	Table          string   `toml:"table,omitempty"`
	ConnectTimeout Duration `toml:"connect_timeout,omitempty"`
}

// ToMySQLDSN returns the data source name for the go-sql-driver/mysql driver.
func (s SQL) ToMySQLDSN() string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", s.Host, s.Port)
	cfg.User = s.User
	cfg.Passwd = s.Password
	cfg.DBName = s.DBName
	cfg.Timeout = s.ConnectTimeout.Duration()
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN()
}

// ToPQString returns a connection string that can be passed to the lib/pq driver.
func (s SQL) ToPQString() string {
	var fields []string
	for _, kv := range []struct {
		key, value string
	}{
		{"host", s.Host},
		{"port", portString(s.Port)},
		{"user", s.User},
		{"password", s.Password},
		{"dbname", s.DBName},
		{"sslmode", s.SSLMode},
		{"connect_timeout", timeoutString(s.ConnectTimeout.Duration())},
		{"binary_parameters", "yes"},
	} {
		if kv.value == "" {
			continue
		}

		kv.value = strings.ReplaceAll(kv.value, "'", `\'`)
		kv.value = strings.ReplaceAll(kv.value, " ", `\ `)

		fields = append(fields, kv.key+"="+kv.value)
	}

	return strings.Join(fields, " ")
}

func portString(port int) string {
	if port == 0 {
		return ""
	}
	return fmt.Sprint(port)
}

func timeoutString(timeout time.Duration) string {
	if timeout <= 0 {
		return ""
	}
	return fmt.Sprint(int(timeout.Seconds()))
}

// S3 holds the connection parameters of an S3 backend.
type S3 struct {
	Region         string `toml:"region,omitempty"`
	Endpoint       string `toml:"endpoint,omitempty"`
	Bucket         string `toml:"bucket,omitempty"`
	RendezvousPath string `toml:"rendezvous_path,omitempty"`
	ClientPath     string `toml:"client_path,omitempty"`
	ForcePathStyle bool   `toml:"force_path_style,omitempty"`
}

// Backend describes one storage backend monitored under a tag. The empty
// tag is the default backend used for branches without a tag.
type Backend struct {
	Tag      string      `toml:"tag,omitempty"`
	Type     BackendType `toml:"type,omitempty"`
	Redis    *Redis      `toml:"redis,omitempty"`
	DynamoDB *DynamoDB   `toml:"dynamodb,omitempty"`
	SQL      *SQL        `toml:"sql,omitempty"`
	S3       *S3         `toml:"s3,omitempty"`
}

// Config is a container for everything found in the TOML config file
type Config struct {
	Service string `toml:"service,omitempty"`
	Region  string `toml:"region,omitempty"`
	// ConsistencyChecks enables the visibility check before a branch is
	// closed. Disabling it closes every subscribed branch right away.
	ConsistencyChecks bool `toml:"consistency_checks"`
	// MetadataValidity is the consistency window. Metadata older than this
	// is considered resolved and ignored by the scanner.
	MetadataValidity Duration `toml:"metadata_validity,omitempty"`
	// RecheckDelay is the pause after a branch was found not yet visible.
	RecheckDelay Duration `toml:"recheck_delay,omitempty"`
	// BackendTimeout bounds every call to a storage backend.
	BackendTimeout       Duration          `toml:"backend_timeout,omitempty"`
	Rendezvous           Rendezvous        `toml:"rendezvous,omitempty"`
	Scan                 Scan              `toml:"scan,omitempty"`
	Backends             []*Backend        `toml:"backend,omitempty"`
	Logging              log.Config        `toml:"logging,omitempty"`
	Sentry               sentry.Config     `toml:"sentry,omitempty"`
	PrometheusListenAddr string            `toml:"prometheus_listen_addr,omitempty"`
	Prometheus           prometheus.Config `toml:"prometheus,omitempty"`
	GracefulStopTimeout  Duration          `toml:"graceful_stop_timeout,omitempty"`
}

// envOverrides are the settings which deployments commonly inject through
// the environment rather than the config file.
type envOverrides struct {
	Service           string `envconfig:"SERVICE"`
	Region            string `envconfig:"REGION"`
	RendezvousAddress string `envconfig:"RENDEZVOUS_ADDRESS"`
}

// EnvPrefix is the prefix of the environment variables read by FromFile.
const EnvPrefix = "RENDEZVOUS_MONITOR"

// FromFile loads the config for the passed file path
func FromFile(filePath string) (Config, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return Config{}, err
	}

	return FromBytes(b)
}

// FromBytes parses a TOML document, applies environment overrides and
// fills in defaults.
func FromBytes(b []byte) (Config, error) {
	conf := &Config{
		ConsistencyChecks: true,
		Scan:              Scan{Enabled: true},
		Prometheus:        prometheus.DefaultConfig(),
	}
	if err := toml.Unmarshal(b, conf); err != nil {
		return Config{}, err
	}

	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return Config{}, fmt.Errorf("environment: %w", err)
	}
	conf.applyOverrides(env)

	conf.setDefaults()

	return *conf, nil
}

func (c *Config) applyOverrides(env envOverrides) {
	if env.Service != "" {
		c.Service = env.Service
	}
	if env.Region != "" {
		c.Region = env.Region
	}
	if env.RendezvousAddress != "" {
		c.Rendezvous.Address = env.RendezvousAddress
	}
}

func (c *Config) setDefaults() {
	c.Region = ExpandRegion(c.Region)

	if c.MetadataValidity == 0 {
		c.MetadataValidity = Duration(2 * time.Minute)
	}
	if c.RecheckDelay == 0 {
		c.RecheckDelay = Duration(2 * time.Second)
	}
	if c.BackendTimeout == 0 {
		c.BackendTimeout = Duration(30 * time.Second)
	}
	if c.GracefulStopTimeout == 0 {
		c.GracefulStopTimeout = Duration(time.Minute)
	}

	if c.Rendezvous.RPCTimeout == 0 {
		c.Rendezvous.RPCTimeout = Duration(30 * time.Second)
	}
	if c.Rendezvous.ServerUnavailableRetry == 0 {
		c.Rendezvous.ServerUnavailableRetry = Duration(5 * time.Second)
	}

	if c.Scan.Interval == 0 {
		interval := c.MetadataValidity.Duration() / 4
		if interval < time.Second {
			interval = time.Second
		}
		c.Scan.Interval = Duration(interval)
	}
	if c.Scan.PageSize == 0 {
		c.Scan.PageSize = 10000
	}
	if c.Scan.KnownClosedSize == 0 {
		c.Scan.KnownClosedSize = 10000
	}

	for _, b := range c.Backends {
		b.setDefaults(c.Region)
	}
}

func (b *Backend) setDefaults(region string) {
	switch {
	case b.Redis != nil:
		if b.Redis.Prefix == "" {
			b.Redis.Prefix = "rendezvous"
		}
		if b.Redis.DialTimeout == 0 {
			b.Redis.DialTimeout = Duration(5 * time.Second)
		}
		if b.Redis.ReadTimeout == 0 {
			b.Redis.ReadTimeout = Duration(5 * time.Second)
		}
	case b.DynamoDB != nil:
		b.DynamoDB.Region = ExpandRegion(b.DynamoDB.Region)
		if b.DynamoDB.Region == "" {
			b.DynamoDB.Region = region
		}
		if b.DynamoDB.MetadataTable == "" {
			b.DynamoDB.MetadataTable = "rendezvous"
		}
		if b.DynamoDB.ClientKeyAttribute == "" {
			b.DynamoDB.ClientKeyAttribute = "k"
		}
		if b.DynamoDB.RendezvousAttribute == "" {
			b.DynamoDB.RendezvousAttribute = "rendezvous"
		}
	case b.SQL != nil:
		if b.SQL.Table == "" {
			b.SQL.Table = "rendezvous"
		}
		if b.SQL.ConnectTimeout == 0 {
			b.SQL.ConnectTimeout = Duration(30 * time.Second)
		}
		if b.SQL.Port == 0 {
			if b.Type == BackendPostgres {
				b.SQL.Port = 5432
			} else {
				b.SQL.Port = 3306
			}
		}
	case b.S3 != nil:
		b.S3.Region = ExpandRegion(b.S3.Region)
		if b.S3.Region == "" {
			b.S3.Region = region
		}
		if b.S3.RendezvousPath == "" {
			b.S3.RendezvousPath = "rendezvous"
		}
	}
}

var (
	errNoService            = errors.New("no service configured")
	errNoRegion             = errors.New("no region configured")
	errNoRendezvousAddress  = errors.New("no rendezvous address configured")
	errNoBackends           = errors.New("no backends configured")
	errDuplicateBackendTag  = errors.New("backend tags are not unique")
	errUnknownBackendType   = errors.New("unknown backend type")
	errMissingBackendConfig = errors.New("backend is missing its connection section")
	errInvalidValidity      = errors.New("metadata validity must be positive")
	errInvalidPageSize      = errors.New("scan page size must be >= 1")
	errInvalidKnownClosed   = errors.New("scan known closed size must be >= 1")
	errInvalidLogFormat     = errors.New("invalid logging format")
)

// Validate establishes if the config is valid
func (c *Config) Validate() error {
	if c.Service == "" {
		return errNoService
	}

	if c.Region == "" {
		return errNoRegion
	}

	if c.Rendezvous.Address == "" {
		return errNoRendezvousAddress
	}

	if c.MetadataValidity.Duration() <= 0 {
		return errInvalidValidity
	}

	if c.Scan.PageSize < 1 {
		return fmt.Errorf("%w: got %d", errInvalidPageSize, c.Scan.PageSize)
	}

	if c.Scan.KnownClosedSize < 1 {
		return fmt.Errorf("%w: got %d", errInvalidKnownClosed, c.Scan.KnownClosedSize)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: %q", errInvalidLogFormat, c.Logging.Format)
	}

	if len(c.Backends) == 0 {
		return errNoBackends
	}

	tags := make(map[string]struct{}, len(c.Backends))
	for _, b := range c.Backends {
		if _, ok := tags[b.Tag]; ok {
			return fmt.Errorf("backend %q: %w", b.Tag, errDuplicateBackendTag)
		}
		tags[b.Tag] = struct{}{}

		if err := b.validate(); err != nil {
			return fmt.Errorf("backend %q: %w", b.Tag, err)
		}
	}

	return nil
}

func (b *Backend) validate() error {
	switch b.Type {
	case BackendRedis:
		if b.Redis == nil {
			return fmt.Errorf("%w: [backend.redis]", errMissingBackendConfig)
		}
		if b.Redis.Address == "" {
			return errors.New("redis address not set")
		}
	case BackendDynamoDB:
		if b.DynamoDB == nil {
			return fmt.Errorf("%w: [backend.dynamodb]", errMissingBackendConfig)
		}
		if b.DynamoDB.ClientTable == "" {
			return errors.New("dynamodb client table not set")
		}
	case BackendMySQL, BackendPostgres:
		if b.SQL == nil {
			return fmt.Errorf("%w: [backend.sql]", errMissingBackendConfig)
		}
		if b.SQL.Host == "" || b.SQL.DBName == "" {
			return errors.New("sql host and dbname must be set")
		}
	case BackendS3:
		if b.S3 == nil {
			return fmt.Errorf("%w: [backend.s3]", errMissingBackendConfig)
		}
		if b.S3.Bucket == "" {
			return errors.New("s3 bucket not set")
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownBackendType, b.Type)
	}

	return nil
}

// Tags returns the configured backend tags in configuration order.
func (c *Config) Tags() []string {
	tags := make([]string, len(c.Backends))
	for i, b := range c.Backends {
		tags[i] = b.Tag
	}
	return tags
}

// SQLBackends returns the relational backends, used by the sql-migrate subcommand.
func (c *Config) SQLBackends() []*Backend {
	var backends []*Backend
	for _, b := range c.Backends {
		if b.Type == BackendMySQL || b.Type == BackendPostgres {
			backends = append(backends, b)
		}
	}
	return backends
}
