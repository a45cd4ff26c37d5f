package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alessio/shellescape"
	"github.com/benbjohnson/clock"
	"github.com/reconquest/cog"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/lineflushwriter-go"
	"github.com/reconquest/matrix-runner/internal/bufferer"
	"github.com/reconquest/matrix-runner/internal/builtin"
	"github.com/reconquest/matrix-runner/internal/cache"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/env"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/masker"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/runner"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/matrix-runner/internal/utils"
)

// AFTER_SCRIPT_TIMEOUT limits after_script of a job which is canceled or
// exceeded its time limit.
const AFTER_SCRIPT_TIMEOUT = time.Second * 30

// Build holds facts about the build a job belongs to.
type Build struct {
	ID         string
	Number     int
	Repository repo.Info
}

type Result struct {
	Status     status.Status
	StartedAt  time.Time
	FinishedAt time.Time
	LogPath    string
}

func (result Result) Duration() time.Duration {
	if result.FinishedAt.IsZero() {
		return 0
	}

	return result.FinishedAt.Sub(result.StartedAt)
}

type Options struct {
	Executor executor.Executor
	Config   *runner.Config

	// Cache is nil when caching is disabled.
	Cache *cache.Manager

	Clock clock.Clock

	// Console receives job output prefixed with the job number, nil
	// disables console output. ConsoleMutex is shared by all jobs.
	Console      io.Writer
	ConsoleMutex sync.Locker
}

type Process struct {
	parent       context.Context
	ctx          context.Context
	executor     executor.Executor
	runnerConfig *runner.Config
	cache        *cache.Manager
	clock        clock.Clock

	build Build
	job   matrix.Job
	log   *cog.Logger

	console      io.Writer
	consoleMutex sync.Locker

	box       executor.Box
	shell     string
	env       *env.Env
	layout    dirLayout
	cacheKey  string
	cacheDirs []cacheDir

	logs struct {
		file         *os.File
		console      *consoleWriter
		masker       *masker.Writer
		maskWriter   *lineflushwriter.Writer
		directWriter *bufferer.Bufferer
	}
}

func NewProcess(
	ctx context.Context,
	build Build,
	job matrix.Job,
	log *cog.Logger,
	options Options,
) *Process {
	process := &Process{
		parent:       ctx,
		ctx:          ctx,
		executor:     options.Executor,
		runnerConfig: options.Config,
		cache:        options.Cache,
		clock:        options.Clock,
		build:        build,
		job:          job,
		log:          log,
		console:      options.Console,
		consoleMutex: options.ConsoleMutex,
	}

	if process.clock == nil {
		process.clock = clock.New()
	}

	if process.consoleMutex == nil {
		process.consoleMutex = &sync.Mutex{}
	}

	return process
}

// ID returns the job number within the build like 14.2.
func (process *Process) ID() string {
	return process.job.ID(process.build.Number)
}

// Run runs the job from the beginning to the end. The status of the result
// is always final, an error is returned when the job is ERRORED.
func (process *Process) Run() (result Result, err error) {
	result.StartedAt = process.clock.Now()

	if timeout := process.runnerConfig.JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		process.ctx, cancel = context.WithTimeout(process.parent, timeout)
		defer cancel()
	}

	result.LogPath, err = process.setupDirectWriter()
	if err != nil {
		result.Status = status.ERRORED
		result.FinishedAt = process.clock.Now()
		return result, err
	}

	defer process.destroy()

	func() {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			result.Status = status.ERRORED
			err = karma.
				Describe("stacktrace", string(debug.Stack())).
				Format(fmt.Errorf("%v", recovered), "job panicked")
		}()

		result.Status, err = process.run()
	}()

	result.FinishedAt = process.clock.Now()

	if err != nil {
		process.write("\n" + err.Error() + "\n")
	}

	process.write(fmt.Sprintf(
		"\nJob %s %s in %s.\n",
		process.ID(),
		result.Status.Verb(),
		result.Duration().Round(time.Second),
	))

	return result, err
}

func (process *Process) run() (status.Status, error) {
	process.write(fmt.Sprintf(
		"matrix-runner %s on %s, job %s: %s\n",
		builtin.Version,
		process.runnerConfig.Name,
		process.ID(),
		process.job.String(),
	))

	err := process.prepareBuildDir()
	if err != nil {
		return process.fail(err)
	}

	defer process.remove(process.layout.HostBuildDir)

	err = process.prepareCacheDirs()
	if err != nil {
		return process.fail(err)
	}

	if process.layout.Staging != "" {
		defer process.remove(process.layout.Staging)
	}

	image := ""
	volumes := process.layout.volumes(process.cacheDirs)

	if process.executor.Type() == executor.EXECUTOR_DOCKER {
		image = process.runnerConfig.GetImage(
			process.job.Language.Name,
			process.job.Language.Image,
			process.job.Version,
		)

		err = process.executor.Prepare(
			process.ctx,
			executor.PrepareOptions{
				Image:          image,
				OutputConsumer: process.LogDirect,
				InfoConsumer:   process.LogDirect,
				Auths:          process.runnerConfig.GetDockerAuthConfig(),
			},
		)
		if err != nil {
			return process.fail(karma.Format(err, "unable to pull image %q", image))
		}

		volumes = append(
			volumes,
			executor.Volume(process.layout.HostBuildDir+":"+process.layout.BoxBuildDir),
		)
	}

	process.box, err = process.executor.Create(
		process.ctx,
		executor.CreateOptions{
			Name: fmt.Sprintf(
				"matrix-build-%d-job-%d-uniq-%v",
				process.build.Number,
				process.job.Number,
				utils.RandString(8),
			),
			Image:    image,
			BuildDir: process.layout.BoxBuildDir,
			Volumes:  volumes,
		},
	)
	if err != nil {
		return process.fail(karma.Format(err, "unable to create a container"))
	}

	defer func() {
		err := process.executor.Destroy(context.Background(), process.box)
		if err != nil {
			process.log.Errorf(
				karma.Describe("box", process.box.String()).Reason(err),
				"unable to destroy box",
			)
		}

		process.log.Debugf(
			nil,
			"box utilized: %s %s",
			process.box.ID(),
			process.box.String(),
		)
	}()

	services, err := executor.ResolveServices(
		process.job.Services,
		process.job.Addons.Databases,
		process.runnerConfig.Docker.Services,
	)
	if err != nil {
		return process.fail(err)
	}

	if len(services) > 0 {
		defer func() {
			err := process.executor.StopServices(context.Background(), process.box)
			if err != nil {
				process.log.Errorf(err, "unable to stop services")
			}
		}()

		err = process.executor.StartServices(
			process.ctx,
			process.box,
			services,
			process.LogDirect,
		)
		if err != nil {
			return process.fail(karma.Format(err, "unable to start services"))
		}
	}

	hosts := map[string]string{}
	for _, service := range services {
		if service.HostVar != "" {
			hosts[service.HostVar] = process.box.ServiceHost(service)
		}
	}

	process.env = env.NewBuilder(
		process.build.ID,
		process.build.Number,
		process.box.BuildDir(),
		process.job,
		process.build.Repository,
		process.runnerConfig.Name,
		process.runnerConfig.GetSecrets(),
		hosts,
		process.box.Env(),
	).Build()

	process.SetupMaskWriter(process.env)

	process.printEnv()

	err = process.detectShell()
	if err != nil {
		return process.fail(karma.Format(err, "unable to detect shell"))
	}

	process.restoreCache()

	result := process.runMain()

	switch result {
	case status.PASSED:
		_ = process.runPhase(config.PHASE_AFTER_SUCCESS, true)
	case status.FAILED:
		_ = process.runPhase(config.PHASE_AFTER_FAILURE, true)
	}

	if result == status.PASSED || result == status.FAILED {
		process.storeCache()
	}

	process.runAfterScript()

	return result, nil
}

// runAfterScript runs after_script even if the job is interrupted, the
// commands are limited by AFTER_SCRIPT_TIMEOUT then.
func (process *Process) runAfterScript() {
	if utils.IsDone(process.ctx) {
		var cancel context.CancelFunc
		process.ctx, cancel = context.WithTimeout(
			context.Background(),
			AFTER_SCRIPT_TIMEOUT,
		)
		defer cancel()
	}

	_ = process.runPhase(config.PHASE_AFTER_SCRIPT, true)
}

// runMain runs phases which define the status of the job.
func (process *Process) runMain() status.Status {
	for _, phase := range []config.Phase{
		config.PHASE_BEFORE_INSTALL,
		config.PHASE_INSTALL,
		config.PHASE_BEFORE_SCRIPT,
	} {
		err := process.runPhase(phase, false)
		if err != nil {
			return process.interrupted(status.ERRORED)
		}
	}

	err := process.runPhase(config.PHASE_SCRIPT, true)
	if err != nil {
		return process.interrupted(status.FAILED)
	}

	return process.interrupted(status.PASSED)
}

// interrupted returns the status the job gets when its context is done or
// the given one otherwise.
func (process *Process) interrupted(otherwise status.Status) status.Status {
	switch process.ctx.Err() {
	case nil:
		return otherwise
	case context.DeadlineExceeded:
		if process.parent.Err() == nil {
			process.write(fmt.Sprintf(
				"\nThe job exceeded the maximum time limit of %s.\n",
				process.runnerConfig.JobTimeout,
			))
			return status.ERRORED
		}
	}

	return status.CANCELED
}

func (process *Process) fail(err error) (status.Status, error) {
	result := process.interrupted(status.ERRORED)
	if result == status.CANCELED {
		return result, nil
	}

	return result, err
}

// runPhase runs commands of the phase, the first failed command stops the
// phase unless keepGoing is set. The error of the first failed command is
// returned.
func (process *Process) runPhase(phase config.Phase, keepGoing bool) error {
	commands := process.job.Commands(phase)
	if len(commands) == 0 {
		return nil
	}

	process.log.Debugf(nil, "%s: %d commands", phase, len(commands))

	var failed error
	for _, command := range commands {
		err := process.execShell(command)
		if err == nil {
			continue
		}

		if utils.IsDone(process.ctx) {
			return err
		}

		var exitErr executor.ExitCodeError
		if errors.As(err, &exitErr) {
			process.LogMask(fmt.Sprintf(
				"\nThe command %q exited with %d.\n", command, exitErr.Code,
			))
		} else {
			process.LogMask(fmt.Sprintf(
				"\nThe command %q failed: %s\n", command, err,
			))
		}

		if failed == nil {
			failed = karma.
				Describe("phase", phase).
				Describe("cmd", command).
				Format(err, "command failed")
		}

		if !keepGoing {
			break
		}
	}

	return failed
}

func (process *Process) execShell(command string) error {
	process.LogMask("\n$ " + command + "\n")

	return process.executor.Exec(
		process.ctx,
		process.box,
		executor.ExecOptions{
			Env:            process.env.GetAll(),
			WorkingDir:     process.box.BuildDir(),
			Cmd:            []string{process.shell, "-c", command},
			AttachStdout:   true,
			AttachStderr:   true,
			OutputConsumer: process.LogMask,
		},
	)
}

func (process *Process) detectShell() error {
	var err error
	process.shell, err = process.executor.DetectShell(process.ctx, process.box)
	if err != nil {
		return err
	}

	process.log.Debugf(nil, "using shell: %s", process.shell)

	return nil
}

func (process *Process) printEnv() {
	secrets := process.runnerConfig.GetSecrets()
	if secrets.Len() > 0 {
		process.LogMask("\nSetting environment variables from runner settings\n")
		for _, pair := range secrets.Pairs() {
			process.LogMask("export " + pair.Key + "=[secure]\n")
		}
	}

	defined := process.env.Defined()
	if defined.Len() > 0 {
		process.LogMask(
			"\nSetting environment variables from " + config.DEFAULT_FILENAME + "\n",
		)
		for _, pair := range defined.Pairs() {
			process.LogMask(
				"export " + pair.Key + "=" + shellescape.Quote(pair.Value) + "\n",
			)
		}
	}
}

// prepareBuildDir populates the build directory of the job with the
// repository contents. A git repository is cloned, so uncommitted changes
// don't affect the job; other directories are copied as is.
func (process *Process) prepareBuildDir() error {
	hostDir := filepath.Join(
		process.runnerConfig.WorkDir,
		"builds",
		process.build.ID,
		strconv.Itoa(process.job.Number),
	)

	process.layout = dirLayout{
		Home:         process.home(),
		HostBuildDir: hostDir,
		BoxBuildDir:  hostDir,
	}

	if process.executor.Type() == executor.EXECUTOR_DOCKER {
		slug := process.build.Repository.Slug
		if slug == "" {
			slug = "build"
		}

		process.layout.BoxBuildDir = path.Join(process.layout.Home, "build", slug)
	}

	err := os.RemoveAll(hostDir)
	if err != nil {
		return karma.Format(err, "unable to remove build dir %s", hostDir)
	}

	err = os.MkdirAll(filepath.Dir(hostDir), 0755)
	if err != nil {
		return karma.Format(err, "unable to create build dir %s", hostDir)
	}

	repository := process.build.Repository

	if repository.Commit != "" {
		process.LogDirect(fmt.Sprintf(
			":: cloning %s at %s\n",
			repository.Slug, utils.ShortHash(repository.Commit),
		))

		return repo.Clone(process.ctx, repository, hostDir)
	}

	process.LogDirect(fmt.Sprintf(":: copying %s\n", repository.Dir))

	return copyDir(repository.Dir, hostDir)
}

func (process *Process) home() string {
	if process.executor.Type() == executor.EXECUTOR_DOCKER {
		return process.runnerConfig.Docker.Home
	}

	home, err := os.UserHomeDir()
	if err != nil {
		process.log.Warningf(err, "unable to get home directory")
	}

	return home
}

func (process *Process) cacheEnabled() bool {
	return process.cache != nil &&
		!process.job.Cache.Disabled &&
		len(process.job.Cache.Directories) > 0
}

func (process *Process) prepareCacheDirs() error {
	if !process.cacheEnabled() {
		return nil
	}

	var err error
	process.cacheKey, err = cache.Key(
		process.job.Language.Name,
		process.job.Version,
		process.job.Env,
	)
	if err != nil {
		return err
	}

	if process.executor.Type() == executor.EXECUTOR_DOCKER {
		process.layout.Staging = filepath.Join(
			process.runnerConfig.WorkDir,
			"cache",
			process.build.ID,
			strconv.Itoa(process.job.Number),
		)
	}

	vars := process.runnerConfig.GetSecrets().
		Extend(process.job.GlobalEnv).
		Extend(process.job.Env)

	process.cacheDirs, err = process.layout.resolveCacheDirs(
		process.job.Cache.Directories,
		vars.Get,
	)
	if err != nil {
		return err
	}

	for _, dir := range process.layout.volumes(process.cacheDirs) {
		host := strings.SplitN(string(dir), ":", 2)[0]

		err := os.MkdirAll(host, 0755)
		if err != nil {
			return karma.Format(err, "unable to create cache dir %s", host)
		}
	}

	return nil
}

func (process *Process) restoreCache() {
	if !process.cacheEnabled() {
		return
	}

	process.LogMask(fmt.Sprintf("\n:: restoring cache %s\n", process.cacheKey))

	found, err := process.cache.Restore(
		process.ctx,
		process.cacheKey,
		hostDirs(process.cacheDirs),
	)
	switch {
	case err != nil:
		process.log.Errorf(err, "unable to restore cache %s", process.cacheKey)
		process.LogMask(fmt.Sprintf(":: unable to restore cache: %s\n", err))

	case !found:
		process.LogMask(":: cache is not found, it will be created\n")
	}
}

func (process *Process) storeCache() {
	if !process.cacheEnabled() {
		return
	}

	_ = process.runPhase(config.PHASE_BEFORE_CACHE, true)

	if utils.IsDone(process.ctx) {
		return
	}

	process.LogMask(fmt.Sprintf("\n:: storing cache %s\n", process.cacheKey))

	uploaded, err := process.cache.Store(
		process.ctx,
		process.cacheKey,
		hostDirs(process.cacheDirs),
		process.job.Cache.Exclude,
	)
	switch {
	case err != nil:
		process.log.Errorf(err, "unable to store cache %s", process.cacheKey)
		process.LogMask(fmt.Sprintf(":: unable to store cache: %s\n", err))

	case !uploaded:
		process.LogMask(":: cache is not changed\n")
	}
}

func (process *Process) remove(dir string) {
	err := os.RemoveAll(dir)
	if err != nil {
		process.log.Warningf(err, "unable to remove %s", dir)
	}
}

func (process *Process) setupDirectWriter() (string, error) {
	dir := filepath.Join(process.runnerConfig.LogsDir, process.build.ID)

	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", karma.Format(err, "unable to create logs dir %s", dir)
	}

	path := filepath.Join(dir, process.ID()+".log")

	process.logs.file, err = os.Create(path)
	if err != nil {
		return "", karma.Format(err, "unable to create log file")
	}

	var dst io.Writer = process.logs.file
	if process.console != nil {
		process.logs.console = newConsoleWriter(
			"[job "+process.ID()+"] ",
			process.console,
			process.consoleMutex,
		)

		dst = io.MultiWriter(process.logs.file, process.logs.console)
	}

	process.logs.directWriter = bufferer.NewBufferer(
		bufferer.DefaultLogsBufferSize,
		bufferer.DefaultLogsBufferTimeout,
		dst,
	)

	go process.logs.directWriter.Run()

	return path, nil
}

func (process *Process) SetupMaskWriter(env *env.Env) {
	masker := masker.NewWriter(
		env,
		process.runnerConfig.GetMask(),
		process.logs.directWriter,
	)

	process.logs.masker = masker

	process.logs.maskWriter = lineflushwriter.New(
		masker,
		&sync.Mutex{},
		true,
	)
}

func (process *Process) destroy() {
	if process.logs.maskWriter != nil {
		process.logs.maskWriter.Close()
	}

	if process.logs.directWriter != nil {
		process.logs.directWriter.Close()
	}

	if process.logs.console != nil {
		err := process.logs.console.Close()
		if err != nil {
			process.log.Errorf(err, "unable to write job output to console")
		}
	}

	if process.logs.file != nil {
		err := process.logs.file.Close()
		if err != nil {
			process.log.Errorf(err, "unable to close log file")
		}
	}
}

func (process *Process) write(text string) {
	if process.logs.maskWriter != nil {
		process.LogMask(text)
	} else {
		process.LogDirect(text)
	}
}

func (process *Process) LogMask(text string) {
	process.log.Tracef(nil, "%s", strings.TrimSpace(process.logs.masker.Mask(text)))

	process.logs.maskWriter.Write([]byte(text))
}

func (process *Process) LogDirect(text string) {
	process.log.Tracef(nil, "%s", strings.TrimSpace(text))

	process.logs.directWriter.Write([]byte(text))
}
