package job

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reconquest/matrix-runner/internal/cache"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/executor/shell"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/runner"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/pkg/log"
	"github.com/stretchr/testify/assert"
)

type fixture struct {
	t       *testing.T
	dir     string
	source  string
	config  *runner.Config
	cache   *cache.Manager
	console *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	dir, err := ioutil.TempDir("", "matrix-runner-job-")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	source := filepath.Join(dir, "source")

	err = os.MkdirAll(source, 0755)
	if err != nil {
		t.Fatal(err)
	}

	err = ioutil.WriteFile(filepath.Join(source, "hello.txt"), []byte("hello\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &runner.Config{
		Name:    "test-runner",
		Mode:    runner.RUNNER_MODE_SHELL,
		WorkDir: filepath.Join(dir, "work"),
		LogsDir: filepath.Join(dir, "logs"),
		Env: map[string]string{
			"DEPLOY_TOKEN": "s3cr3t-t0k3n",
		},
	}

	return &fixture{
		t:       t,
		dir:     dir,
		source:  source,
		config:  cfg,
		cache:   cache.NewManager(cache.NewDirStore(filepath.Join(dir, "cache")), "test"),
		console: bytes.NewBuffer(nil),
	}
}

func (fixture *fixture) job(definition string) matrix.Job {
	pipeline, err := config.Unmarshal([]byte(definition))
	if err != nil {
		fixture.t.Fatal(err)
	}

	jobs, err := matrix.Expand(pipeline)
	if err != nil {
		fixture.t.Fatal(err)
	}

	return jobs[0]
}

func (fixture *fixture) run(ctx context.Context, job matrix.Job) (Result, string, error) {
	process := NewProcess(
		ctx,
		Build{
			ID:     "b6a7c2b1",
			Number: 3,
			Repository: repo.Info{
				Dir:  fixture.source,
				Slug: "owner/source",
			},
		},
		job,
		log.NewChildWithPrefix("[test]"),
		Options{
			Executor:     shell.NewShell(),
			Config:       fixture.config,
			Cache:        fixture.cache,
			Console:      fixture.console,
			ConsoleMutex: &sync.Mutex{},
		},
	)

	result, err := process.Run()

	data, readErr := ioutil.ReadFile(result.LogPath)
	if readErr != nil {
		fixture.t.Fatal(readErr)
	}

	return result, string(data), err
}

func TestProcess_Passed(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	result, output, err := fixture.run(context.Background(), fixture.job(`
language: generic
env:
  global:
    - GREETING="hello world"
  jobs:
    - TARGET=$GREETING
before_install: echo before-install-$CI_JOB_NUMBER
install: cat hello.txt
script:
  - echo "target is $TARGET"
  - echo "token is $DEPLOY_TOKEN"
after_success: echo after-success
after_failure: echo after-failure
after_script: echo after-script
`))

	test.NoError(err)
	test.Equal(status.PASSED, result.Status)
	test.Equal(filepath.Join(fixture.config.LogsDir, "b6a7c2b1", "3.1.log"), result.LogPath)
	test.False(result.FinishedAt.Before(result.StartedAt))

	test.Contains(output, "export GREETING='hello world'")
	test.Contains(output, "export DEPLOY_TOKEN=[secure]")
	test.Contains(output, "\n$ cat hello.txt\nhello\n")
	test.Contains(output, "before-install-3.1\n")
	test.Contains(output, "target is hello world\n")
	test.Contains(output, "token is ************\n")
	test.NotContains(output, "s3cr3t-t0k3n")
	test.Contains(output, "after-success\n")
	test.NotContains(output, "after-failure\n")
	test.Contains(output, "after-script\n")
	test.Contains(output, "Job 3.1 passed in")

	test.Contains(fixture.console.String(), "[job 3.1] target is hello world\n")

	// build directory is removed
	_, err = os.Stat(filepath.Join(fixture.config.WorkDir, "builds", "b6a7c2b1", "1"))
	test.True(os.IsNotExist(err))
}

func TestProcess_InstallErrored(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	result, output, err := fixture.run(context.Background(), fixture.job(`
language: generic
install:
  - "false"
  - echo second-install
script: echo script
after_success: echo after-success
after_failure: echo after-failure
after_script: echo after-script
`))

	test.NoError(err)
	test.Equal(status.ERRORED, result.Status)
	test.Contains(output, `The command "false" exited with 1.`)
	test.NotContains(output, "second-install\n")
	test.NotContains(output, "\nscript\n")
	test.NotContains(output, "after-success\n")
	test.NotContains(output, "after-failure\n")
	test.Contains(output, "after-script\n")
	test.Contains(output, "Job 3.1 errored in")
}

func TestProcess_ScriptFailed(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	result, output, err := fixture.run(context.Background(), fixture.job(`
language: generic
script:
  - exit 2
  - echo second-script
after_success: echo after-success
after_failure: echo after-failure
after_script: "false"
`))

	test.NoError(err)
	test.Equal(status.FAILED, result.Status)
	test.Contains(output, `The command "exit 2" exited with 2.`)
	test.Contains(output, "second-script\n")
	test.NotContains(output, "after-success\n")
	test.Contains(output, "after-failure\n")
	test.Contains(output, "Job 3.1 failed in")
}

func TestProcess_Canceled(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(time.Millisecond * 300)
		cancel()
	}()

	result, output, err := fixture.run(ctx, fixture.job(`
language: generic
script:
  - sleep 10
  - echo second-script
after_script: echo after-script
`))

	test.NoError(err)
	test.Equal(status.CANCELED, result.Status)
	test.NotContains(output, "second-script\n")
	test.Contains(output, "after-script\n")
	test.True(result.Duration() < time.Second*5)
}

func TestProcess_Timeout(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)
	fixture.config.JobTimeout = time.Millisecond * 300

	result, output, err := fixture.run(context.Background(), fixture.job(`
language: generic
script: sleep 10
after_script: echo after-script
`))

	test.NoError(err)
	test.Equal(status.ERRORED, result.Status)
	test.Contains(output, "exceeded the maximum time limit")
	test.Contains(output, "after-script\n")
}

func TestProcess_Cache(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	job := fixture.job(`
language: generic
cache:
  directories: [vendor]
before_cache: rm -f vendor/debug.log
script:
  - mkdir -p vendor
  - test -f vendor/package && echo cached || echo missing
  - test -f vendor/package || (echo package > vendor/package; echo log > vendor/debug.log)
`)

	result, output, err := fixture.run(context.Background(), job)
	test.NoError(err)
	test.Equal(status.PASSED, result.Status)
	test.Contains(output, "missing\n")
	test.Contains(output, "cache is not found")

	entries, err := fixture.cache.List(context.Background())
	test.NoError(err)
	test.Len(entries, 1)

	result, output, err = fixture.run(context.Background(), job)
	test.NoError(err)
	test.Equal(status.PASSED, result.Status)
	test.Contains(output, "cached\n")
	test.Contains(output, "cache is not changed")

	restored := filepath.Join(fixture.dir, "restored")

	found, err := fixture.cache.Restore(context.Background(), entries[0].Key, []string{restored})
	test.NoError(err)
	test.True(found)

	_, err = os.Stat(filepath.Join(restored, "package"))
	test.NoError(err)
	_, err = os.Stat(filepath.Join(restored, "debug.log"))
	test.True(os.IsNotExist(err))
}

func TestProcess_UnknownService(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	result, _, err := fixture.run(context.Background(), fixture.job(`
language: generic
services: [oracle]
script: "true"
`))

	test.Equal(status.ERRORED, result.Status)
	if test.Error(err) {
		test.Contains(err.Error(), `unknown service: "oracle"`)
	}
}

func TestConsoleWriter(t *testing.T) {
	test := assert.New(t)

	buffer := bytes.NewBuffer(nil)
	writer := newConsoleWriter("[job 1.2] ", buffer, &sync.Mutex{})

	writer.Write([]byte("first\nsec"))
	writer.Write([]byte("ond\n"))
	writer.Write([]byte("progress 10%\rprogress 100%\nlast"))

	test.Equal("[job 1.2] first\n[job 1.2] second\n[job 1.2] progress 100%\n", buffer.String())

	test.NoError(writer.Close())
	test.True(strings.HasSuffix(buffer.String(), "[job 1.2] last\n"))
}

func TestResolveCacheDirs(t *testing.T) {
	test := assert.New(t)

	lookup := func(name string) (string, bool) {
		if name == "GOPATH" {
			return "/go", true
		}

		return "", false
	}

	docker := dirLayout{
		Home:         "/root",
		HostBuildDir: "/work/builds/x/1",
		BoxBuildDir:  "/root/build/owner/repo",
		Staging:      "/work/cache/x/1",
	}

	dirs, err := docker.resolveCacheDirs(
		[]string{"$HOME/.cache/pip", "node_modules", "~/.npm", "$GOPATH/pkg/mod"},
		lookup,
	)
	test.NoError(err)

	test.Equal([]cacheDir{
		{Host: "/work/cache/x/1/0", Box: "/root/.cache/pip"},
		{Host: "/work/builds/x/1/node_modules", Box: "/root/build/owner/repo/node_modules"},
		{Host: "/work/cache/x/1/2", Box: "/root/.npm"},
		{Host: "/work/cache/x/1/3", Box: "/go/pkg/mod"},
	}, dirs)

	volumes := docker.volumes(dirs)
	test.Len(volumes, 3)
	test.EqualValues("/work/cache/x/1/0:/root/.cache/pip", volumes[0])

	host := dirLayout{
		Home:         "/home/user",
		HostBuildDir: "/work/builds/x/1",
		BoxBuildDir:  "/work/builds/x/1",
	}

	dirs, err = host.resolveCacheDirs([]string{"$HOME/.cache/pip", "vendor/bundle"}, lookup)
	test.NoError(err)
	test.Equal([]string{"/home/user/.cache/pip", "/work/builds/x/1/vendor/bundle"}, hostDirs(dirs))
	test.Empty(host.volumes(dirs))
}

func TestResolveCacheDirs_Rejected(t *testing.T) {
	test := assert.New(t)

	lookup := func(name string) (string, bool) {
		if name == "WORK" {
			return "/work/builds", true
		}

		return "", false
	}

	host := dirLayout{
		Home:         "/home/user",
		HostBuildDir: "/work/builds/x/1",
		BoxBuildDir:  "/work/builds/x/1",
	}

	for _, dir := range []string{
		"$HOME/../..",
		"$UNDEFINED/..",
		"$UNDEFINED",
		"~/../../",
		"$WORK",
		"$WORK/x/1",
		"/",
	} {
		dirs, err := host.resolveCacheDirs([]string{"vendor", dir}, lookup)
		test.Error(err, dir)
		test.Nil(dirs, dir)
	}

	docker := dirLayout{
		Home:         "/root",
		HostBuildDir: "/work/builds/x/1",
		BoxBuildDir:  "/root/build/owner/repo",
		Staging:      "/work/cache/x/1",
	}

	_, err := docker.resolveCacheDirs([]string{"$HOME"}, lookup)
	test.Error(err)

	_, err = docker.resolveCacheDirs([]string{"$HOME/build/other"}, lookup)
	test.NoError(err)
}

func TestProcess_CacheDirOutsideBuild(t *testing.T) {
	test := assert.New(t)

	fixture := newFixture(t)

	result, output, err := fixture.run(context.Background(), fixture.job(`
language: generic
cache:
  directories: ["$UNDEFINED/.."]
script: echo script
`))

	test.Equal(status.ERRORED, result.Status)
	test.NotContains(output, "script\n")
	if test.Error(err) {
		test.Contains(err.Error(), "caching the root directory is not allowed")
	}

	entries, err := fixture.cache.List(context.Background())
	test.NoError(err)
	test.Empty(entries)
}
