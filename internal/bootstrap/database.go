package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inter-actief/courier/config"
	"github.com/inter-actief/courier/internal/migrate"
)

const connectTimeout = 5 * time.Second

// DatabaseConfig carries the Postgres and Redis settings for startup.
type DatabaseConfig struct {
	DBConfig    config.DBConfig
	RedisConfig config.RedisConfig
	Logger      *slog.Logger
}

// ConnectDB opens the queue and workflow database and pings it.
func ConnectDB(cfg DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", postgresDSN(cfg.DBConfig))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	applyPool(db, cfg.DBConfig)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", errors.Join(err, db.Close()))
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("database connected",
			"host", cfg.DBConfig.Host,
			"database", cfg.DBConfig.Name,
			"max_open_conns", cfg.DBConfig.MaxOpenConns,
		)
	}
	return db, nil
}

// postgresDSN builds the URL form so credentials with reserved characters
// survive.
func postgresDSN(c config.DBConfig) string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

func applyPool(db *sql.DB, c config.DBConfig) {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(c.MaxOpenConns)
	db.SetMaxIdleConns(min(c.MaxIdleConns, c.MaxOpenConns))
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
}

// ConnectRedis opens the client behind the status cache and the once-guards.
//
//nolint:ireturn // the universal client is direct, sentinel or cluster depending on config.
func ConnectRedis(cfg DatabaseConfig) (redis.UniversalClient, error) {
	opts, desc, err := redisOptions(cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", errors.Join(err, client.Close()))
	}

	if cfg.Logger != nil {
		cfg.Logger.Info("redis connected", "addr", desc)
	}
	return client, nil
}

// redisOptions picks the topology and returns a credential-free description
// for logging.
func redisOptions(c config.RedisConfig) (*redis.UniversalOptions, string, error) {
	switch {
	case c.UseCluster:
		opts := &redis.UniversalOptions{Addrs: trimAll(c.ClusterNodes), Password: c.Password, IsClusterMode: true}
		if len(opts.Addrs) == 0 {
			if err := fromURI(opts, c.URI); err != nil {
				return nil, "", fmt.Errorf("redis cluster: %w", err)
			}
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis cluster needs CLUSTER_NODES or URI")
		}
		return opts, "cluster:" + strings.Join(opts.Addrs, ","), nil

	case c.UseSentinel:
		addrs := trimAll(c.SentinelNodes)
		if len(addrs) == 0 {
			return nil, "", errors.New("redis sentinel needs SENTINEL_NODES")
		}
		return &redis.UniversalOptions{
			Addrs:            addrs,
			MasterName:       c.SentinelMasterName,
			Password:         c.Password,
			SentinelPassword: c.SentinelPassword,
		}, "sentinel:" + c.SentinelMasterName, nil

	default:
		opts := &redis.UniversalOptions{Password: c.Password}
		if err := fromURI(opts, c.URI); err != nil {
			return nil, "", err
		}
		if len(opts.Addrs) == 0 {
			return nil, "", errors.New("redis needs a URI")
		}
		return opts, opts.Addrs[0], nil
	}
}

// fromURI accepts either host:port or a redis:// or rediss:// URL. URL
// credentials win over the configured password.
func fromURI(opts *redis.UniversalOptions, uri string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil
	}
	if !strings.HasPrefix(uri, "redis://") && !strings.HasPrefix(uri, "rediss://") {
		opts.Addrs = []string{uri}
		return nil
	}
	parsed, err := redis.ParseURL(uri)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	opts.Addrs = []string{parsed.Addr}
	opts.Username = parsed.Username
	if parsed.Password != "" {
		opts.Password = parsed.Password
	}
	opts.DB = parsed.DB
	opts.TLSConfig = parsed.TLSConfig
	return nil
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// RunMigrations applies the embedded schema migrations.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if err := migrate.Run(ctx, db); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	if logger != nil {
		logger.InfoContext(ctx, "database migrations completed")
	}
	return nil
}
