package config

import "time"

// DBConfig locates the Postgres database that holds the job queue,
// workflows and export records.
type DBConfig struct {
	Host     string `env:"HOST"     envDefault:"localhost"`
	Port     int    `env:"PORT"     envDefault:"5432"`
	User     string `env:"USER"     envDefault:"courier"`
	Password string `env:"PASSWORD" envDefault:"courier"`
	Name     string `env:"NAME"     envDefault:"courier"`
	SSLMode  string `env:"SSL_MODE" envDefault:"disable"`

	RunMigrationsOnStart bool `env:"RUN_MIGRATIONS_ON_START" envDefault:"true"`

	// Every idle runner lane pins one connection while it LISTENs, so
	// MaxOpenConns must exceed the number of lanes.
	MaxOpenConns    int           `env:"MAX_OPEN_CONNS"    envDefault:"25"`
	MaxIdleConns    int           `env:"MAX_IDLE_CONNS"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"CONN_MAX_LIFETIME" envDefault:"5m"`
}

// RedisConfig selects a standalone, sentinel or cluster Redis. URI may be a
// host:port or a redis:// URL.
type RedisConfig struct {
	URI      string `env:"URI"      envDefault:"localhost:6379"`
	Password string `env:"PASSWORD" envDefault:""`

	UseSentinel        bool     `env:"USE_SENTINEL"         envDefault:"false"`
	SentinelNodes      []string `env:"SENTINEL_NODES"       envDefault:"localhost:26379"`
	SentinelMasterName string   `env:"SENTINEL_MASTER_NAME" envDefault:"mymaster"`
	SentinelPassword   string   `env:"SENTINEL_PASSWORD"    envDefault:""`

	UseCluster   bool     `env:"USE_CLUSTER"   envDefault:"false"`
	ClusterNodes []string `env:"CLUSTER_NODES" envDefault:""`
}

// CacheConfig switches the Redis backed export status cache and mail
// report guard. Both run on the REDIS_ connection.
type CacheConfig struct {
	Enabled        bool          `env:"CACHE_ENABLED"          envDefault:"true"`
	ReportGuardTTL time.Duration `env:"CACHE_REPORT_GUARD_TTL" envDefault:"10m"`
}
