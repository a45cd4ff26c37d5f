package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/stretchr/testify/assert"
	cli "gopkg.in/alecthomas/kingpin.v2"
)

func writeDefinition(t *testing.T, definition string) string {
	dir, err := ioutil.TempDir("", "matrix-runner-cmd-")
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		os.RemoveAll(dir)
	})

	if definition != "" {
		err = ioutil.WriteFile(
			filepath.Join(dir, config.DEFAULT_FILENAME),
			[]byte(definition),
			0644,
		)
		if err != nil {
			t.Fatal(err)
		}
	}

	return dir
}

func TestLoadBuild(t *testing.T) {
	test := assert.New(t)

	dir := writeDefinition(t, `
language: python
python: ["3.6", "3.7"]
env:
  - ACTION=tests
  - ACTION=lint
script: tox
`)

	build, err := loadBuild(dir)
	if !test.NoError(err) {
		return
	}

	test.Equal(filepath.Base(dir), build.Repository.Slug)
	test.Len(build.Jobs, 4)
	test.Equal("python: 3.7 ACTION=lint", build.Jobs[3].String())
}

func TestLoadBuild_NotFound(t *testing.T) {
	test := assert.New(t)

	_, err := loadBuild(writeDefinition(t, ""))
	test.Equal(exitCode(2), err)
}

func TestLoadBuild_Invalid(t *testing.T) {
	test := assert.New(t)

	_, err := loadBuild(writeDefinition(t, "language: cobol\nscript: make\n"))
	if test.Error(err) {
		test.Contains(err.Error(), `unknown language: "cobol"`)
	}
}

func TestActions_Dispatch(t *testing.T) {
	test := assert.New(t)

	app := cli.New("test", "")

	var actions Actions

	called := []string{}

	first := app.Command("first", "").Default()
	second := app.Command("second", "")
	nested := second.Command("nested", "")

	actions.register(first, func() error {
		called = append(called, "first")
		return nil
	})

	actions.register(nested, func() error {
		called = append(called, "nested")
		return exitCode(3)
	})

	test.NoError(actions.dispatch(app, []string{}))
	test.Equal(exitCode(3), actions.dispatch(app, []string{"second", "nested"}))
	test.Equal([]string{"first", "nested"}, called)

	test.Equal("exit status 3", exitCode(3).Error())
}
