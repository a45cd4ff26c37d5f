package shell

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert"
	"github.com/reconquest/matrix-runner/internal/executor"
)

func TestShell_Exec_Concurrent(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	box, err := shell.Create(ctx, executor.CreateOptions{Name: "test"})
	if err != nil {
		panic(err)
	}

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			mutex := sync.Mutex{}
			result := ""

			id := "x" + fmt.Sprint(i) + "x"

			err := shell.Exec(ctx, box, executor.ExecOptions{
				Cmd:          []string{"sh", "-c", "echo " + id + "; echo err >&2"},
				AttachStderr: true,
				AttachStdout: true,
				OutputConsumer: func(output string) {
					mutex.Lock()
					defer mutex.Unlock()
					result += output
				},
			})
			test.NoError(err)

			test.Contains(result, id)
			test.Contains(result, "err")
		}(i)
	}

	wg.Wait()

	err = shell.Destroy(ctx, box)
	if err != nil {
		panic(err)
	}
}

func TestShell_Exec_EnvAndWorkingDir(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()
	dir := t.TempDir()

	box, err := shell.Create(context.Background(), executor.CreateOptions{
		Name:     "test",
		BuildDir: dir,
	})
	test.NoError(err)
	test.Equal(dir, box.BuildDir())
	test.Equal("localhost", box.ServiceHost(executor.Service{Name: "postgresql"}))

	output := ""
	err = shell.Exec(context.Background(), box, executor.ExecOptions{
		Cmd:            []string{"sh", "-c", "echo $ACTION; pwd"},
		Env:            append(os.Environ(), "ACTION=tests"),
		WorkingDir:     box.BuildDir(),
		AttachStdout:   true,
		OutputConsumer: func(text string) { output += text },
	})
	test.NoError(err)
	test.Contains(output, "tests\n")
	test.Contains(output, dir)
}

func TestShell_Exec_NonZeroExitCode(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()
	box, _ := shell.Create(context.Background(), executor.CreateOptions{Name: "test"})

	err := shell.Exec(context.Background(), box, executor.ExecOptions{
		Cmd: []string{"sh", "-c", "exit 3"},
	})
	test.Equal(executor.ExitCodeError{Code: 3}, err)

	err = shell.Exec(context.Background(), box, executor.ExecOptions{})
	test.Error(err)
}

func TestShell_Exec_Canceled(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()
	box, _ := shell.Create(context.Background(), executor.CreateOptions{Name: "test"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
	defer cancel()

	started := time.Now()
	err := shell.Exec(ctx, box, executor.ExecOptions{
		Cmd:          []string{"sh", "-c", "sleep 30; echo done"},
		AttachStdout: true,
	})
	test.Error(err)
	test.True(time.Since(started) < time.Second*10)
	test.Equal(context.DeadlineExceeded, err)
}

func TestShell_DetectShell(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()
	program, err := shell.DetectShell(context.Background(), nil)
	test.NoError(err)
	test.True(strings.HasSuffix(program, "sh"))
}

func TestShell_StartServices(t *testing.T) {
	test := assert.New(t)

	shell := NewShell()

	ctx := context.Background()

	box, err := shell.Create(ctx, executor.CreateOptions{Name: "services"})
	test.NoError(err)

	output := []string{}
	err = shell.StartServices(
		ctx,
		box,
		[]executor.Service{{Name: "redis"}, {Name: "postgresql"}},
		func(text string) {
			output = append(output, text)
		},
	)
	test.NoError(err)
	test.Equal([]string{
		":: service redis is expected to be running on " + SERVICE_HOST + "\n",
		":: service postgresql is expected to be running on " + SERVICE_HOST + "\n",
	}, output)

	test.NoError(shell.StopServices(ctx, box))
}
