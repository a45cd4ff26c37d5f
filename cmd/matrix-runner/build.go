package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/cache"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/executor/docker"
	"github.com/reconquest/matrix-runner/internal/executor/shell"
	"github.com/reconquest/matrix-runner/internal/history"
	"github.com/reconquest/matrix-runner/internal/lint"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/notify"
	"github.com/reconquest/matrix-runner/internal/pipeline"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/runner"
	"github.com/reconquest/pkg/log"
)

// Build is a validated build definition of a repository.
type Build struct {
	Repository repo.Info
	Definition config.Pipeline
	Jobs       []matrix.Job
}

func loadBuild(dir string) (*Build, error) {
	info, err := repo.Inspect(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(info.Dir, config.DEFAULT_FILENAME)

	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		runner.ShowMessageDefinitionNotFound(info.Dir)
		return nil, exitCode(2)
	}

	definition, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	jobs, err := matrix.Expand(definition)
	if err != nil {
		return nil, karma.Format(err, "unable to expand build matrix")
	}

	for _, warning := range lint.Warnings(definition, jobs) {
		log.Warningf(nil, "%s: %s", config.DEFAULT_FILENAME, warning)
	}

	err = lint.Validate(definition, jobs)
	if err != nil {
		return nil, karma.Format(err, "%s is not valid", path)
	}

	return &Build{
		Repository: info,
		Definition: definition,
		Jobs:       jobs,
	}, nil
}

func validate(dir string) error {
	build, err := loadBuild(dir)
	if err != nil {
		return err
	}

	fmt.Printf(
		"%s is valid, the build has %d jobs\n",
		filepath.Join(build.Repository.Dir, config.DEFAULT_FILENAME),
		len(build.Jobs),
	)

	return nil
}

func run(dir string, numbers []int, quiet bool) error {
	runnerConfig, err := loadConfig()
	if err != nil {
		return err
	}

	build, err := loadBuild(dir)
	if err != nil {
		return err
	}

	jobs, err := matrix.Filter(build.Jobs, numbers)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go handleInterrupts(cancel)

	jobExecutor, err := newExecutor(ctx, runnerConfig)
	if err != nil {
		return err
	}

	manager, err := newCacheManager(runnerConfig, build.Repository.Slug)
	if err != nil {
		return err
	}

	db, err := openHistory(ctx, runnerConfig)
	if err != nil {
		return err
	}

	if db != nil {
		defer db.Close()
	}

	var dispatcher *notify.Dispatcher
	if !runnerConfig.Notifications.Disabled {
		dispatcher = notify.NewDispatcher(
			build.Definition.Notifications,
			notify.Options{
				SlackWebhook: runnerConfig.Notifications.SlackWebhook,
				RetryMax:     runnerConfig.Notifications.RetryMax,
			},
		)
	}

	var console io.Writer = os.Stdout
	if quiet {
		console = nil
	}

	process := pipeline.NewProcess(
		ctx,
		build.Definition,
		jobs,
		build.Repository,
		pipeline.Options{
			Executor:   jobExecutor,
			Config:     runnerConfig,
			Cache:      manager,
			History:    db,
			Dispatcher: dispatcher,
			Console:    console,
			Summary:    os.Stdout,
		},
	)

	result, err := process.Run()
	if err != nil {
		return err
	}

	if !result.Status.IsSuccess() {
		return exitCode(1)
	}

	return nil
}

func handleInterrupts(cancel context.CancelFunc) {
	defer audit.Go("interrupts")()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, syscall.SIGINT, syscall.SIGTERM)

	received := <-interrupts
	log.Warningf(nil, "got signal: %s, canceling the build", received)

	cancel()

	received = <-interrupts
	log.Errorf(nil, "got signal: %s again, exiting without cleanup", received)

	os.Exit(130)
}

func newExecutor(ctx context.Context, config *runner.Config) (executor.Executor, error) {
	switch config.Mode {
	case runner.RUNNER_MODE_SHELL:
		return shell.NewShell(), nil

	case runner.RUNNER_MODE_DOCKER:
		client, err := docker.NewDocker(docker.Options{
			Network: config.Docker.Network,
			Volumes: config.Docker.Volumes,
			Home:    config.Docker.Home,
		})
		if err == nil {
			err = client.Ping(ctx)
		}

		if err != nil {
			runner.ShowMessageDockerUnavailable(config, err)
			return nil, exitCode(1)
		}

		err = client.Cleanup()
		if err != nil {
			log.Errorf(err, "unable to cleanup containers of previous builds")
		}

		return client, nil

	default:
		panic(fmt.Sprintf("BUG: unexpected runner mode: %q", config.Mode))
	}
}

func newCacheStore(config *runner.Config) (cache.Store, error) {
	switch config.Cache.Store {
	case runner.CACHE_STORE_DIR:
		return cache.NewDirStore(config.Cache.Dir), nil

	case runner.CACHE_STORE_S3:
		return cache.NewS3Store(cache.S3Config{
			Bucket:   config.Cache.S3.Bucket,
			Prefix:   config.Cache.S3.Prefix,
			Region:   config.Cache.S3.Region,
			Endpoint: config.Cache.S3.Endpoint,
		})

	default:
		panic(fmt.Sprintf("BUG: unexpected cache store: %q", config.Cache.Store))
	}
}

func newCacheManager(config *runner.Config, slug string) (*cache.Manager, error) {
	if config.Cache.Disabled {
		log.Debugf(nil, "cache is disabled")
		return nil, nil
	}

	store, err := newCacheStore(config)
	if err != nil {
		return nil, err
	}

	return cache.NewManager(store, slug), nil
}

func openHistory(ctx context.Context, config *runner.Config) (*history.DB, error) {
	if config.History.Disabled {
		log.Debugf(nil, "history is disabled")
		return nil, nil
	}

	db, err := history.Open(ctx, history.Driver(config.History.Driver), config.History.DSN)
	if err != nil {
		return nil, karma.Format(err, "unable to open build history")
	}

	return db, nil
}
