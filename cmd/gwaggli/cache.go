package main

import (
	"context"
	"fmt"

	"github.com/gwaggli/gwaggli/internal/config"
	"github.com/gwaggli/gwaggli/internal/modelcache"
)

func cmdDownload(ctx context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "download")
	quality := fs.String("quality", config.DefaultQuality, "model quality to fetch: low, medium or high")
	model := fs.String("model", "", "catalogue model name (tiny.en, base, small, medium, large-v3); overrides -quality")
	if err := parse(fs, args); err != nil {
		return err
	}

	var m modelcache.Model
	if *model != "" {
		var err error
		if m, err = modelcache.Lookup(*model); err != nil {
			return err
		}
	} else {
		q, err := modelcache.ParseQuality(*quality)
		if err != nil {
			return err
		}
		m = q.Model()
	}

	cache, err := openCache(e)
	if err != nil {
		return err
	}
	path, err := cache.Ensure(ctx, m)
	if err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, path)
	return nil
}

func cmdClearCache(_ context.Context, e *env, args []string) error {
	fs := newFlagSet(e, "clear-cache")
	if err := parse(fs, args); err != nil {
		return err
	}
	cache, err := openCache(e)
	if err != nil {
		return err
	}
	if err := cache.Clear(); err != nil {
		return err
	}
	fmt.Fprintln(e.stdout, "Cache cleared.")
	return nil
}

func openCache(e *env) (*modelcache.Cache, error) {
	cfg, err := loadConfig(e, "")
	if err != nil {
		return nil, err
	}
	return modelcache.New(cfg.CacheDir)
}
