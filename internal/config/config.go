// Package config provides configuration management for NFVCL.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nfvcl.io/nfvcl/internal/domain"
)

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	River     RiverConfig     `mapstructure:"river"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	K8s       K8sConfig       `mapstructure:"k8s"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Redis     RedisConfig     `mapstructure:"redis"`
	S3        S3Config        `mapstructure:"s3"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Topology  TopologyConfig  `mapstructure:"topology"`
	Remote    RemoteConfig    `mapstructure:"remote"`
}

// ServerConfig contains ops HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// HealthInterval is how often infrastructure probes run.
	HealthInterval time.Duration `mapstructure:"health_interval"`

	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	// UnsafeAllowAllOrigins honours "*" in AllowedOrigins. Credentials are
	// then never allowed.
	UnsafeAllowAllOrigins bool `mapstructure:"unsafe_allow_all_origins"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// One pool is shared by the blueprint store and River.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
	// Memory keeps blueprint documents in process, for development only.
	Memory bool `mapstructure:"memory"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// RiverConfig contains River Queue settings.
type RiverConfig struct {
	// Enabled routes async lifecycle operations through River jobs instead
	// of the in-process lifecycle pool.
	Enabled                     bool          `mapstructure:"enabled"`
	MaxWorkers                  int           `mapstructure:"max_workers"`
	CompletedJobRetentionPeriod time.Duration `mapstructure:"completed_job_retention_period"`
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	LifecyclePoolSize int `mapstructure:"lifecycle_pool_size"`
	ProviderPoolSize  int `mapstructure:"provider_pool_size"`
}

// K8sConfig contains Kubernetes and Helm operation settings.
type K8sConfig struct {
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	HelmTimeout      time.Duration `mapstructure:"helm_timeout"`
	// HelmDriver is the Helm storage driver: secret, configmap or memory.
	HelmDriver string `mapstructure:"helm_driver"`
	// ProxmoxTaskTimeout bounds Proxmox task waits, in seconds.
	ProxmoxTaskTimeout int `mapstructure:"proxmox_task_timeout"`
}

// NATSConfig contains lifecycle event bus settings. An empty URL disables events.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Stream        string `mapstructure:"stream"`
}

// RedisConfig selects the distributed blueprint lock. An empty Addr keeps
// locks in process.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// S3Config contains the destroyed-blueprint archive settings. An empty
// Bucket disables archiving.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// RemoteConfig contains the SSH settings used to configure VMs and PDUs.
type RemoteConfig struct {
	Port           int           `mapstructure:"port"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PrivateKeyFile string        `mapstructure:"private_key_file"`
	KnownHostsFile string        `mapstructure:"known_hosts_file"`
	// InsecureIgnoreHostKey accepts any host key when no known hosts file is
	// set. Freshly created VMs are not in any known hosts file.
	InsecureIgnoreHostKey bool   `mapstructure:"insecure_ignore_host_key"`
	PlaybookDir           string `mapstructure:"playbook_dir"`
	AnsibleCommand        string `mapstructure:"ansible_command"`
	// PDUTypes get the generic SSH command configurator.
	PDUTypes []string `mapstructure:"pdu_types"`
}

// TelemetryConfig contains tracing settings. An empty endpoint keeps a no-op tracer.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// TopologyConfig is the static area topology and the initial PDU inventory.
type TopologyConfig struct {
	VIMs        []domain.VIM        `mapstructure:"vims"`
	K8sClusters []domain.K8sCluster `mapstructure:"k8s_clusters"`
	PDUs        []domain.PDU        `mapstructure:"pdus"`
}

// Load reads configuration from file and environment variables.
// Standard environment variables without prefix (DATABASE_URL, SERVER_PORT, etc.).
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/nfvcl")

	// Maps nested config: database.max_conns → DATABASE_MAX_CONNS
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	var errs []error
	if c.Worker.LifecyclePoolSize <= 0 || c.Worker.ProviderPoolSize <= 0 {
		errs = append(errs, errors.New("worker pool sizes must be positive"))
	}
	if c.River.Enabled && c.River.MaxWorkers <= 0 {
		errs = append(errs, errors.New("river.max_workers must be positive"))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, errors.New("database.max_conns must be positive"))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	if c.Remote.KnownHostsFile == "" && !c.Remote.InsecureIgnoreHostKey {
		errs = append(errs, errors.New("remote needs known_hosts_file or insecure_ignore_host_key"))
	}
	errs = append(errs, c.Topology.validate()...)
	return errors.Join(errs...)
}

func (t TopologyConfig) validate() []error {
	var errs []error
	names := map[string]bool{}
	vimAreas := map[int]string{}
	for _, vim := range t.VIMs {
		if vim.Name == "" {
			errs = append(errs, errors.New("topology vim without name"))
			continue
		}
		if names["vim/"+vim.Name] {
			errs = append(errs, fmt.Errorf("topology vim %q defined twice", vim.Name))
		}
		names["vim/"+vim.Name] = true
		if !vim.Type.Valid() {
			errs = append(errs, fmt.Errorf("topology vim %q has unknown type %q", vim.Name, vim.Type))
		}
		for _, area := range vim.Areas {
			if prev, ok := vimAreas[area]; ok {
				errs = append(errs, fmt.Errorf("area %d served by vims %q and %q", area, prev, vim.Name))
				continue
			}
			vimAreas[area] = vim.Name
		}
	}
	clusterAreas := map[int]string{}
	for _, cluster := range t.K8sClusters {
		if cluster.Name == "" {
			errs = append(errs, errors.New("topology k8s cluster without name"))
			continue
		}
		if names["k8s/"+cluster.Name] {
			errs = append(errs, fmt.Errorf("topology k8s cluster %q defined twice", cluster.Name))
		}
		names["k8s/"+cluster.Name] = true
		for _, area := range cluster.Areas {
			if prev, ok := clusterAreas[area]; ok {
				errs = append(errs, fmt.Errorf("area %d served by clusters %q and %q", area, prev, cluster.Name))
				continue
			}
			clusterAreas[area] = cluster.Name
		}
	}
	for _, p := range t.PDUs {
		if p.Name == "" || p.Type == "" {
			errs = append(errs, fmt.Errorf("topology pdu %q needs a name and a type", p.Name))
			continue
		}
		if names["pdu/"+p.Name] {
			errs = append(errs, fmt.Errorf("topology pdu %q defined twice", p.Name))
		}
		names["pdu/"+p.Name] = true
	}
	return errs
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.health_interval", "1m")
	v.SetDefault("server.allow_credentials", false)
	v.SetDefault("server.unsafe_allow_all_origins", false)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "nfvcl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "nfvcl")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)
	v.SetDefault("database.memory", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// River
	v.SetDefault("river.enabled", false)
	v.SetDefault("river.max_workers", 10)
	v.SetDefault("river.completed_job_retention_period", "24h")

	// Worker pools
	v.SetDefault("worker.lifecycle_pool_size", 32)
	v.SetDefault("worker.provider_pool_size", 16)

	// K8s
	v.SetDefault("k8s.operation_timeout", "5m")
	v.SetDefault("k8s.helm_timeout", "10m")
	v.SetDefault("k8s.helm_driver", "secret")
	v.SetDefault("k8s.proxmox_task_timeout", 300)

	// Events
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "nfvcl.blueprint")
	v.SetDefault("nats.stream", "NFVCL_BLUEPRINTS")

	// Locks
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", "30m")

	// Remote configuration
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.timeout", "10m")
	v.SetDefault("remote.insecure_ignore_host_key", true)
	v.SetDefault("remote.playbook_dir", "playbooks")
	v.SetDefault("remote.ansible_command", "ansible-playbook")
	v.SetDefault("remote.pdu_types", []string{"linux"})

	// Archive
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "blueprints/")

	// Telemetry
	v.SetDefault("telemetry.service_name", "nfvcl")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}
