package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/cache"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/reconquest/pkg/log"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func listMatrix(dir string) error {
	build, err := loadBuild(dir)
	if err != nil {
		return err
	}

	table := newTable()

	fmt.Fprintln(table, "JOB\tRUNTIME\tENV\tALLOW FAILURE")
	for _, job := range build.Jobs {
		name := job.Runtime()
		if job.Name != "" {
			name = job.Name + " (" + name + ")"
		}

		fmt.Fprintf(
			table,
			"%d\t%s\t%s\t%v\n",
			job.Number,
			name,
			strings.Join(job.Env.Strings(), " "),
			job.AllowFailure,
		)
	}

	return table.Flush()
}

func repositoryCache(dir string) (*cache.Manager, error) {
	config, err := loadConfig()
	if err != nil {
		return nil, err
	}

	info, err := repo.Inspect(dir)
	if err != nil {
		return nil, err
	}

	if config.Cache.Disabled {
		log.Warningf(nil, "cache is disabled in the runner config")
	}

	store, err := newCacheStore(config)
	if err != nil {
		return nil, err
	}

	return cache.NewManager(store, info.Slug), nil
}

func listCache(dir string) error {
	manager, err := repositoryCache(dir)
	if err != nil {
		return err
	}

	entries, err := manager.List(context.Background())
	if err != nil {
		return karma.Format(err, "unable to list caches")
	}

	table := newTable()

	fmt.Fprintln(table, "KEY\tSIZE\tMODIFIED")
	for _, entry := range entries {
		fmt.Fprintf(
			table,
			"%s\t%s\t%s\n",
			entry.Key,
			units.HumanSize(float64(entry.Size)),
			entry.Modified.Local().Format(time.RFC3339),
		)
	}

	return table.Flush()
}

func clearCache(dir string, keys []string) error {
	manager, err := repositoryCache(dir)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if len(keys) == 0 {
		entries, err := manager.List(ctx)
		if err != nil {
			return karma.Format(err, "unable to list caches")
		}

		for _, entry := range entries {
			keys = append(keys, entry.Key)
		}
	}

	for _, key := range keys {
		err := manager.Delete(ctx, key)
		if err != nil {
			return karma.Format(err, "unable to remove cache %s", key)
		}

		log.Infof(nil, "cache removed: %s", key)
	}

	return nil
}

func listHistory(dir string, limit int) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	if config.History.Disabled {
		return karma.Format(nil, "history is disabled in the runner config")
	}

	info, err := repo.Inspect(dir)
	if err != nil {
		return err
	}

	ctx := context.Background()

	db, err := openHistory(ctx, config)
	if err != nil {
		return err
	}

	defer db.Close()

	builds, err := db.List(ctx, info.Slug, limit)
	if err != nil {
		return err
	}

	table := newTable()

	fmt.Fprintln(table, "BUILD\tSTATUS\tBRANCH\tCOMMIT\tSTARTED\tDURATION")
	for _, build := range builds {
		duration := "-"
		if build.FinishedAt.Valid {
			duration = units.HumanDuration(build.Duration())
		}

		fmt.Fprintf(
			table,
			"#%d\t%s\t%s\t%s\t%s\t%s\n",
			build.Number,
			build.Status,
			build.Branch,
			utils.ShortHash(build.Commit),
			build.StartedAt.Local().Format(time.RFC3339),
			duration,
		)
	}

	return table.Flush()
}
