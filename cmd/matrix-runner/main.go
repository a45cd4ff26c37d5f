package main

import (
	"os"

	cli "gopkg.in/alecthomas/kingpin.v2"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/builtin"
	"github.com/reconquest/matrix-runner/internal/runner"
	"github.com/reconquest/pkg/log"
)

var (
	configPath *string
	debug      *bool
	trace      *bool
)

func main() {
	app := cli.New(
		"matrix-runner",
		"Matrix Runner runs builds described by .travis.yml "+
			"on the local host, every job of the build matrix in "+
			"a container or in a shell.",
	).Version(builtin.Version)

	configPath = app.Flag("config", "Use the given configuration file").
		Short('c').
		Default(runner.DEFAULT_CONFIG_PATH).
		String()

	debug = app.Flag("debug", "Print debug messages").Bool()
	trace = app.Flag("trace", "Print trace messages").Bool()

	var actions Actions

	var (
		runCmd = app.Command("run", "Run the build").Default()
		runDir = runCmd.Arg("dir", "Directory of the repository").
			Default(".").String()
		runJobs = runCmd.Flag("job", "Run only the job with the given number").
			Short('j').Ints()
		runQuiet = runCmd.Flag("quiet", "Don't print output of jobs").
				Short('q').Bool()
	)

	actions.register(runCmd, func() error {
		return run(*runDir, *runJobs, *runQuiet)
	})

	var (
		validateCmd = app.Command("validate", "Check the build definition")
		validateDir = validateCmd.Arg("dir", "Directory of the repository").
				Default(".").String()
	)

	actions.register(validateCmd, func() error {
		return validate(*validateDir)
	})

	var (
		matrixCmd = app.Command("matrix", "List jobs of the build matrix")
		matrixDir = matrixCmd.Arg("dir", "Directory of the repository").
				Default(".").String()
	)

	actions.register(matrixCmd, func() error {
		return listMatrix(*matrixDir)
	})

	var (
		cacheCmd     = app.Command("cache", "Manage cached directories")
		cacheListCmd = cacheCmd.Command("list", "List caches of the repository")
		cacheListDir = cacheListCmd.Arg("dir", "Directory of the repository").
				Default(".").String()
		cacheClearCmd = cacheCmd.Command("clear", "Remove caches of the repository")
		cacheClearDir = cacheClearCmd.Flag("dir", "Directory of the repository").
				Default(".").String()
		cacheClearKeys = cacheClearCmd.Arg("key", "Remove only caches with given keys").
				Strings()
	)

	actions.register(cacheListCmd, func() error {
		return listCache(*cacheListDir)
	})

	actions.register(cacheClearCmd, func() error {
		return clearCache(*cacheClearDir, *cacheClearKeys)
	})

	var (
		historyCmd = app.Command("history", "Show recent builds of the repository")
		historyDir = historyCmd.Arg("dir", "Directory of the repository").
				Default(".").String()
		historyLimit = historyCmd.Flag("limit", "Show at most given number of builds").
				Short('n').Default("20").Int()
	)

	actions.register(historyCmd, func() error {
		return listHistory(*historyDir, *historyLimit)
	})

	err := actions.dispatch(app, os.Args[1:])
	if err != nil {
		if code, ok := err.(exitCode); ok {
			os.Exit(int(code))
		}

		log.Fatal(err)
	}
}

func loadConfig() (*runner.Config, error) {
	// flags take effect before the config is loaded to debug loading itself
	setLogLevel(*debug, *trace)

	config, err := runner.LoadConfig(*configPath)
	if err != nil {
		return nil, karma.Format(err, "unable to load runner config: %s", *configPath)
	}

	setLogLevel(config.Log.Debug || *debug, config.Log.Trace || *trace)

	if os.Getenv("MATRIX_AUDIT_GOROUTINES") == "1" {
		audit.Start()
	}

	log.Debugf(
		karma.
			Describe("mode", config.Mode).
			Describe("work_dir", config.WorkDir),
		"runner name: %s", config.Name,
	)

	return config, nil
}

func setLogLevel(debug bool, trace bool) {
	switch {
	case trace:
		log.SetLevel(log.LevelTrace)
	case debug:
		log.SetLevel(log.LevelDebug)
	}
}
