package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/reconquest/cog"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/cache"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/history"
	"github.com/reconquest/matrix-runner/internal/job"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/notify"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/runner"
	"github.com/reconquest/matrix-runner/internal/safemap"
	"github.com/reconquest/matrix-runner/internal/signal"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/matrix-runner/internal/syncdo"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/reconquest/pkg/log"
)

// NOTIFY_TIMEOUT limits delivery of notifications, they are sent even when
// the build is canceled.
const NOTIFY_TIMEOUT = time.Second * 30

type Options struct {
	Executor executor.Executor
	Config   *runner.Config

	// Cache is nil when caching is disabled.
	Cache *cache.Manager

	// History is nil when history is disabled, builds are numbered from 1
	// then.
	History *history.DB

	// Dispatcher is nil when notifications are disabled.
	Dispatcher *notify.Dispatcher

	Clock clock.Clock

	// Console receives output of jobs, nil disables it.
	Console io.Writer

	// Summary receives the table of job results, nil disables it.
	Summary io.Writer
}

type JobResult struct {
	Job matrix.Job
	job.Result
}

type Result struct {
	ID         string
	Number     int
	Status     status.Status
	StartedAt  time.Time
	FinishedAt time.Time
	Jobs       []JobResult

	// Previous is the status of the previous build of the branch.
	Previous status.Status

	// Notified lists notifiers which were triggered.
	Notified []string
}

func (result Result) Duration() time.Duration {
	return result.FinishedAt.Sub(result.StartedAt)
}

type Process struct {
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	pipeline   config.Pipeline
	jobs       []matrix.Job
	repository repo.Info
	options    Options
	clock      clock.Clock
	log        *cog.Logger

	build   history.Build
	results []JobResult

	consoleMutex sync.Mutex

	cancels    *safemap.Map[int, context.CancelFunc]
	required   int
	requiredMu sync.Mutex
	requiredOK signal.Condition
	fastFinish syncdo.Action
}

func NewProcess(
	ctx context.Context,
	pipeline config.Pipeline,
	jobs []matrix.Job,
	repository repo.Info,
	options Options,
) *Process {
	process := &Process{
		parentCtx:  ctx,
		pipeline:   pipeline,
		jobs:       jobs,
		repository: repository,
		options:    options,
		clock:      options.Clock,
		cancels:    safemap.New[int, context.CancelFunc](),
		requiredOK: signal.NewCondition(),
	}

	if process.clock == nil {
		process.clock = clock.New()
	}

	process.ctx, process.cancel = context.WithCancel(ctx)

	for _, target := range jobs {
		if !target.AllowFailure {
			process.required++
		}
	}

	return process
}

func (process *Process) Run() (result Result, err error) {
	defer process.cancel()

	process.build = history.Build{
		Repository: process.repository.Slug,
		Branch:     process.repository.Branch,
		Commit:     process.repository.Commit,
		StartedAt:  process.clock.Now().UTC(),
	}

	err = process.start()
	if err != nil {
		return Result{}, err
	}

	process.log = log.NewChildWithPrefix(fmt.Sprintf("[build:%d]", process.build.Number))

	process.log.Infof(
		karma.
			Describe("id", process.build.ID).
			Describe("repository", process.build.Repository).
			Describe("branch", process.build.Branch).
			Describe("commit", utils.ShortHash(process.build.Commit)),
		"build #%d started, jobs: %d, parallel: %d",
		process.build.Number, len(process.jobs), process.parallel(),
	)

	process.runJobs()

	process.build.Status = Status(utils.IsDone(process.parentCtx), process.results)
	process.build.FinishedAt = sql.NullTime{
		Time:  process.clock.Now().UTC(),
		Valid: true,
	}

	result = Result{
		ID:         process.build.ID,
		Number:     process.build.Number,
		Status:     process.build.Status,
		StartedAt:  process.build.StartedAt,
		FinishedAt: process.build.FinishedAt.Time,
		Jobs:       process.results,
	}

	process.log.Infof(
		nil,
		"build #%d %s in %s",
		process.build.Number, process.build.Status.Verb(),
		notify.FormatDuration(result.Duration()),
	)

	// the build context is likely canceled at this point
	background, cancel := context.WithTimeout(context.Background(), NOTIFY_TIMEOUT)
	defer cancel()

	result.Previous = process.previous(background)

	err = process.finish(background)
	if err != nil {
		process.log.Errorf(err, "unable to record build finish")
	}

	result.Notified = process.notify(background, result)

	process.summary(result)

	return result, nil
}

func (process *Process) start() error {
	if process.options.History == nil {
		process.build.ID = uuid.New().String()
		process.build.Number = 1
		process.build.Status = status.RUNNING

		return nil
	}

	err := process.options.History.Start(process.parentCtx, &process.build)
	if err != nil {
		return karma.Format(err, "unable to start build")
	}

	return nil
}

func (process *Process) finish(ctx context.Context) error {
	if process.options.History == nil {
		return nil
	}

	return process.options.History.Finish(ctx, &process.build)
}

func (process *Process) previous(ctx context.Context) status.Status {
	if process.options.History == nil {
		return ""
	}

	previous, err := process.options.History.Previous(
		ctx,
		process.build.Repository,
		process.build.Branch,
		process.build.Number,
	)
	if err != nil {
		process.log.Errorf(err, "unable to get the previous build")
		return ""
	}

	if previous == nil {
		return ""
	}

	return previous.Status
}

func (process *Process) parallel() int {
	parallel := int(process.options.Config.MaxParallelJobs)
	if parallel <= 0 {
		parallel = 1
	}

	return parallel
}

func (process *Process) runJobs() {
	process.results = make([]JobResult, len(process.jobs))

	if process.pipeline.Matrix.FastFinish && process.required > 0 {
		go process.watchFastFinish()
	}

	if process.required == 0 {
		process.requiredOK.Unsatisfy()
	}

	contexts := make([]context.Context, len(process.jobs))
	for index, target := range process.jobs {
		ctx, cancel := context.WithCancel(process.ctx)
		contexts[index] = ctx
		process.cancels.Store(target.Number, cancel)
	}

	defer process.cancels.Range(func(_ int, cancel context.CancelFunc) bool {
		cancel()
		return true
	})

	semaphore := make(chan struct{}, process.parallel())
	workers := &sync.WaitGroup{}

	for index, target := range process.jobs {
		ctx := contexts[index]

		acquired := false
		select {
		case semaphore <- struct{}{}:
			acquired = true
		case <-ctx.Done():
		}

		if utils.IsDone(ctx) {
			if acquired {
				<-semaphore
			}

			process.log.Infof(nil, "job %s is canceled before start", target.ID(process.build.Number))

			process.results[index] = JobResult{
				Job:    target,
				Result: job.Result{Status: status.CANCELED},
			}

			process.jobDone(target)
			continue
		}

		workers.Add(1)
		go func(index int, target matrix.Job) {
			defer audit.Go("job", target.ID(process.build.Number))()

			defer workers.Done()
			defer func() {
				<-semaphore
			}()

			process.results[index] = JobResult{
				Job:    target,
				Result: process.runJob(ctx, target),
			}

			process.jobDone(target)
		}(index, target)
	}

	workers.Wait()

	// releases the fast finish watcher if required jobs never finished
	process.requiredOK.Unsatisfy()
}

func (process *Process) jobDone(target matrix.Job) {
	if target.AllowFailure {
		return
	}

	process.requiredMu.Lock()
	defer process.requiredMu.Unlock()

	process.required--
	if process.required == 0 {
		process.requiredOK.Satisfy()
	}
}

func (process *Process) watchFastFinish() {
	defer audit.Go("fast finish", process.build.Number)()

	if !process.requiredOK.Wait() {
		return
	}

	_ = process.fastFinish.Do(func() error {
		process.log.Infof(
			nil,
			"fast finish: all required jobs finished, canceling jobs allowed to fail",
		)

		for _, target := range process.jobs {
			if !target.AllowFailure {
				continue
			}

			if cancel, ok := process.cancels.Load(target.Number); ok {
				cancel()
			}
		}

		return nil
	})
}

func (process *Process) runJob(ctx context.Context, target matrix.Job) (result job.Result) {
	id := target.ID(process.build.Number)

	logger := log.NewChildWithPrefix(
		fmt.Sprintf("[build:%d job:%s]", process.build.Number, id),
	)

	defer func() {
		if err := recover(); err != nil {
			logger.Errorf(
				karma.Describe("stacktrace", string(debug.Stack())).Reason(err),
				"PANIC: %s",
				err,
			)

			result = job.Result{
				Status:     status.ERRORED,
				StartedAt:  process.clock.Now(),
				FinishedAt: process.clock.Now(),
			}
		}
	}()

	logger.Infof(nil, "starting job: %s", target.String())

	task := job.NewProcess(
		ctx,
		job.Build{
			ID:         process.build.ID,
			Number:     process.build.Number,
			Repository: process.repository,
		},
		target,
		logger,
		job.Options{
			Executor:     process.options.Executor,
			Config:       process.options.Config,
			Cache:        process.options.Cache,
			Clock:        process.clock,
			Console:      process.options.Console,
			ConsoleMutex: &process.consoleMutex,
		},
	)

	result, err := task.Run()
	if err != nil {
		if utils.IsCanceled(err) && utils.IsDone(process.parentCtx) {
			logger.Warningf(err, "job canceled by the runner termination")
		} else {
			logger.Errorf(err, "job finished with an error")
		}
	}

	logger.Infof(
		karma.Describe("log", result.LogPath),
		"job %s in %s",
		result.Status.Verb(), notify.FormatDuration(result.Duration()),
	)

	return result
}

func (process *Process) notify(ctx context.Context, result Result) []string {
	dispatcher := process.options.Dispatcher
	if dispatcher == nil || dispatcher.Len() == 0 {
		return nil
	}

	event := notify.Event{
		ID:         result.ID,
		Number:     result.Number,
		Repository: process.repository.Slug,
		Branch:     process.repository.Branch,
		Commit:     process.repository.Commit,
		Author:     process.repository.Author,
		Message:    process.repository.Message,
		Status:     result.Status,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Previous:   result.Previous,
	}

	for _, item := range result.Jobs {
		event.Jobs = append(event.Jobs, notify.Job{
			ID:           item.Job.ID(result.Number),
			Name:         item.Job.String(),
			Status:       item.Status,
			AllowFailure: item.Job.AllowFailure,
			Duration:     item.Duration(),
		})
	}

	sent, err := dispatcher.Dispatch(ctx, event)
	if err != nil {
		process.log.Errorf(err, "unable to send notifications")
	}

	if len(sent) > 0 {
		process.log.Infof(nil, "notifications sent: %v", sent)
	}

	return sent
}

// Status decides the build status by results of jobs which are not allowed
// to fail. A canceled build is always CANCELED.
func Status(canceled bool, results []JobResult) status.Status {
	if canceled {
		return status.CANCELED
	}

	result := status.PASSED
	for _, item := range results {
		if item.Job.AllowFailure {
			continue
		}

		switch item.Status {
		case status.ERRORED:
			return status.ERRORED

		case status.FAILED, status.CANCELED:
			result = status.FAILED

		case status.PASSED, status.SKIPPED:

		default:
			panic(fmt.Sprintf("BUG: job %d has unexpected status %q", item.Job.Number, item.Status))
		}
	}

	return result
}
