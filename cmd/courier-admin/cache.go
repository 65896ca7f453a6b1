package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
)

// Key patterns written by the mail report guard and the export status cache.
const (
	reportGuardPattern  = "courier:report:*"
	exportStatusPattern = "courier:export:status:*"

	cacheScanCount    = 100
	cacheDeleteBatch  = 500
	cacheKindReport   = "report"
	cacheKindStatus   = "status"
	cacheKindAll      = "all"
	cacheKindsAllowed = "report, status, all"
)

type cacheKeyOptions struct {
	Kind   string
	DryRun bool
	Yes    bool
}

func parseCacheKeyFlags(name string, args []string, destructive bool) (cacheKeyOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := cacheKeyOptions{}
	fs.StringVar(&opts.Kind, "kind", cacheKindAll, "Which keys to target: "+cacheKindsAllowed)
	if destructive {
		fs.BoolVar(&opts.DryRun, "dry-run", false, "Show what would be deleted without deleting")
		fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt")
	}
	if err := fs.Parse(args); err != nil {
		return cacheKeyOptions{}, err
	}
	if _, err := cachePatterns(opts.Kind); err != nil {
		return cacheKeyOptions{}, err
	}
	return opts, nil
}

func cachePatterns(kind string) ([]string, error) {
	switch kind {
	case cacheKindReport:
		return []string{reportGuardPattern}, nil
	case cacheKindStatus:
		return []string{exportStatusPattern}, nil
	case cacheKindAll, "":
		return []string{reportGuardPattern, exportStatusPattern}, nil
	default:
		return nil, fmt.Errorf("--kind must be one of: %s", cacheKindsAllowed)
	}
}

// withRedis hands f a connected client. Redis is required for these commands.
func withRedis(cmdCtx *commandContext, f func(context.Context, redis.UniversalClient) error) error {
	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	_, client, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantRedis: true,
	})
	if err != nil {
		return err
	}
	if client == nil {
		return errors.New("redis is not configured")
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			cmdCtx.Logger.Warn("redis close failed", "error", closeErr)
		}
	}()
	return f(ctx, client)
}

func runListCacheKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseCacheKeyFlags("list-cache-keys", args, false)
	if err != nil {
		return err
	}
	patterns, _ := cachePatterns(opts.Kind)

	return withRedis(cmdCtx, func(ctx context.Context, client redis.UniversalClient) error {
		total := 0
		for _, pattern := range patterns {
			if err := writef(cmdCtx.Out, "\n%s\n", pattern); err != nil {
				return err
			}
			n, err := printCacheKeys(ctx, cmdCtx.Out, client, pattern)
			if err != nil {
				return err
			}
			total += n
		}
		if total == 0 {
			return writeln(cmdCtx.Out, "(no keys found)")
		}
		return writef(cmdCtx.Out, "\nTotal keys: %d\n", total)
	})
}

func printCacheKeys(ctx context.Context, w io.Writer, client redis.UniversalClient, pattern string) (int, error) {
	iter := client.Scan(ctx, 0, pattern, cacheScanCount).Iterator()
	total := 0
	for iter.Next(ctx) {
		key := iter.Val()
		total++
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			if writeErr := writef(w, "  %s (TTL: error: %v)\n", key, err); writeErr != nil {
				return total, writeErr
			}
			continue
		}
		if err := writef(w, "  %s (TTL: %s)\n", key, renderTTL(ttl)); err != nil {
			return total, err
		}
	}
	if err := iter.Err(); err != nil {
		return total, fmt.Errorf("redis scan: %w", err)
	}
	return total, nil
}

type cacheClearConfirmOptions struct {
	opts cacheKeyOptions
}

func (c cacheClearConfirmOptions) IsDryRun() bool { return c.opts.DryRun }
func (c cacheClearConfirmOptions) IsYes() bool    { return c.opts.Yes }
func (c cacheClearConfirmOptions) GetWarning() string {
	return "WARNING: removing report guards allows a delivery report to be sent again."
}
func (c cacheClearConfirmOptions) GetTarget() string { return fmt.Sprintf("%q keys", c.opts.Kind) }

func runClearCacheKeys(cmdCtx *commandContext, args []string) error {
	opts, err := parseCacheKeyFlags("clear-cache-keys", args, true)
	if err != nil {
		return err
	}
	if confirmErr := confirmAction(cacheClearConfirmOptions{opts}, "clear cache keys"); confirmErr != nil {
		return confirmErr
	}
	patterns, _ := cachePatterns(opts.Kind)

	return withRedis(cmdCtx, func(ctx context.Context, client redis.UniversalClient) error {
		matched, deleted := 0, int64(0)
		for _, pattern := range patterns {
			m, d, err := deleteCacheKeys(ctx, client, pattern, opts.DryRun)
			if err != nil {
				return err
			}
			matched += m
			deleted += d
		}
		if opts.DryRun {
			return writef(cmdCtx.Out, "Dry run: %d key(s) would be deleted\n", matched)
		}
		cmdCtx.Logger.InfoContext(ctx, "cache keys cleared", "kind", opts.Kind, "matched", matched, "deleted", deleted)
		return writef(cmdCtx.Out, "Deleted %d of %d matching key(s)\n", deleted, matched)
	})
}

func deleteCacheKeys(ctx context.Context, client redis.UniversalClient, pattern string, dryRun bool) (int, int64, error) {
	iter := client.Scan(ctx, 0, pattern, cacheScanCount).Iterator()
	var (
		batch   []string
		matched int
		deleted int64
	)
	flush := func() error {
		if len(batch) == 0 || dryRun {
			batch = batch[:0]
			return nil
		}
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("redis del: %w", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		matched++
		batch = append(batch, iter.Val())
		if len(batch) >= cacheDeleteBatch {
			if err := flush(); err != nil {
				return matched, deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return matched, deleted, fmt.Errorf("redis scan: %w", err)
	}
	if err := flush(); err != nil {
		return matched, deleted, err
	}
	return matched, deleted, nil
}
