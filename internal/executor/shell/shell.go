package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/set"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/reconquest/pkg/log"
)

const (
	DEFAULT_SHELL   = "sh"
	PREFERRED_SHELL = "bash"

	SERVICE_HOST = "localhost"
)

var _ executor.Executor = (*Shell)(nil)

// Shell runs jobs right on the host, services are expected to be running
// on the host as well.
type Shell struct{}

type Box struct {
	id        string
	buildDir  string
	processes *set.ExecCmdSet
}

func (box *Box) String() string {
	return box.id
}

func (box *Box) ID() string {
	return box.id
}

func (box *Box) Env() []string {
	return os.Environ()
}

func (box *Box) BuildDir() string {
	return box.buildDir
}

func (box *Box) ServiceHost(executor.Service) string {
	return SERVICE_HOST
}

func NewShell() *Shell {
	return &Shell{}
}

func (shell *Shell) Type() executor.ExecutorType {
	return executor.EXECUTOR_SHELL
}

func (shell *Shell) Create(
	ctx context.Context,
	opts executor.CreateOptions,
) (executor.Box, error) {
	if len(opts.Volumes) > 0 {
		log.Tracef(
			karma.Describe("volumes", opts.Volumes),
			"volumes are not supported by shell executor, ignoring",
		)
	}

	return &Box{
		id:        opts.Name,
		buildDir:  opts.BuildDir,
		processes: set.NewExecCmdSet(),
	}, nil
}

func (shell *Shell) Destroy(
	ctx context.Context,
	container executor.Box,
) error {
	box := box(container)
	cmds := box.processes.List()
	for _, cmd := range cmds {
		fact := karma.Describe("cmd", cmd.Args)
		log.Tracef(fact, "destroying process")

		err := kill(cmd)
		if err != nil {
			log.Tracef(fact.Describe("error", err), "sent kill signal")
		}
	}
	return nil
}

func (shell *Shell) Exec(
	ctx context.Context,
	container executor.Box,
	opts executor.ExecOptions,
) error {
	box := box(container)

	if len(opts.Cmd) == 0 {
		return errors.New("an empty command specified")
	}

	name := opts.Cmd[0]
	args := opts.Cmd[1:]

	log.Tracef(nil, "shell exec: %s %s", name, args)

	workers := &sync.WaitGroup{}

	cmd := exec.Command(name, args...)
	setpgid(cmd)

	pipe := func(kind string, get func() (io.ReadCloser, error)) error {
		reader, err := get()
		if err != nil {
			return karma.Format(err, "can't pipe %s", kind)
		}

		workers.Add(1)
		go func() {
			defer audit.Go(opts.Cmd, kind)()
			defer workers.Done()

			writer := callbackWriter{ctx: ctx, callback: opts.OutputConsumer}
			_, _ = io.Copy(writer, reader)
		}()

		return nil
	}

	if opts.AttachStdout {
		err := pipe("stdout", cmd.StdoutPipe)
		if err != nil {
			return err
		}
	}

	if opts.AttachStderr {
		err := pipe("stderr", cmd.StderrPipe)
		if err != nil {
			return err
		}
	}

	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	cmd.Env = opts.Env
	cmd.Dir = opts.WorkingDir

	err := cmd.Start()
	if err != nil {
		return err
	}

	box.processes.Put(cmd)
	defer box.processes.Delete(cmd)

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		defer audit.Go(opts.Cmd, "watcher")()

		select {
		case <-ctx.Done():
			err := kill(cmd)
			if err != nil {
				log.Tracef(karma.Describe("error", err), "unable to kill %v", cmd.Args)
			}
		case <-finished:
		}
	}()

	// all reads must be finished before Wait closes the pipes
	workers.Wait()

	err = cmd.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return executor.ExitCodeError{Code: exitErr.ExitCode()}
		}

		return err
	}

	return nil
}

func (shell *Shell) StartServices(
	ctx context.Context,
	container executor.Box,
	services []executor.Service,
	output executor.OutputConsumer,
) error {
	for _, service := range services {
		log.Warningf(
			karma.Describe("box", container.String()).Reason(nil),
			"service %s is expected to be running on %s",
			service.Name, SERVICE_HOST,
		)

		if output != nil {
			output(fmt.Sprintf(
				":: service %s is expected to be running on %s\n",
				service.Name, SERVICE_HOST,
			))
		}
	}

	return nil
}

func (shell *Shell) StopServices(context.Context, executor.Box) error {
	return nil
}

func (shell *Shell) Cleanup() error {
	return nil
}

func (shell *Shell) Prepare(
	ctx context.Context,
	opts executor.PrepareOptions,
) error {
	return nil
}

func (shell *Shell) DetectShell(
	ctx context.Context,
	container executor.Box,
) (string, error) {
	_, err := shell.LookPath(ctx, PREFERRED_SHELL)
	if err != nil {
		return DEFAULT_SHELL, nil
	}

	return PREFERRED_SHELL, nil
}

func (shell *Shell) LookPath(
	ctx context.Context,
	path string,
) (string, error) {
	return exec.LookPath(path)
}

type callbackWriter struct {
	ctx      context.Context
	callback executor.OutputConsumer
}

func (callbackWriter callbackWriter) Write(data []byte) (int, error) {
	if callbackWriter.callback == nil {
		return len(data), nil
	}

	if utils.IsDone(callbackWriter.ctx) {
		return 0, context.Canceled
	}

	callbackWriter.callback(string(data))

	return len(data), nil
}

func box(container executor.Box) *Box {
	box, ok := container.(*Box)
	if !ok {
		panic("BUG: unexpected type given: " + fmt.Sprintf("%T", container))
	}
	return box
}
