package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
)

const testdata = "../../testdata/config/"

func TestUnmarshal_Testdata(t *testing.T) {
	test := assert.New(t)

	matches, err := filepath.Glob(testdata + "*.yaml")
	if err != nil {
		panic(err)
	}

	test.NotEmpty(matches)

	for _, match := range matches {
		name := strings.TrimSuffix(filepath.Base(match), ".yaml")

		contents, err := os.ReadFile(match)
		if err != nil {
			panic(err)
		}

		pipeline, pipelineErr := Unmarshal(contents)

		expected, err := os.ReadFile(testdata + name + ".error")
		if err == nil {
			if test.Error(pipelineErr, "testcase: %s", name) {
				test.Contains(pipelineErr.Error(), string(expected), "testcase: %s", name)
			}
			continue
		}

		test.NoError(pipelineErr, "testcase: %s\n%s", name, spew.Sdump(pipeline))
	}
}

func TestUnmarshal_Full(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Load(testdata + "full.yaml")
	if !test.NoError(err) {
		return
	}

	test.Equal(LANGUAGE_PYTHON, pipeline.Language)
	test.Equal([]string{"2.7"}, pipeline.Versions["python"])
	test.Equal(map[string]string{"postgresql": "9.4"}, pipeline.Addons.Databases)
	test.Equal([]string{"apt"}, pipeline.Addons.Unsupported)
	test.Equal([]string{"elasticsearch"}, pipeline.Services)
	test.Equal(
		[]string{"$HOME/.cache/pip", "node_modules"},
		pipeline.Cache.Directories,
	)
	test.Equal(
		[]string{"rm -f $HOME/.cache/pip/log/debug.log"},
		pipeline.Phases[PHASE_BEFORE_CACHE],
	)

	test.Len(pipeline.Env.Global, 1)
	test.Equal(
		[]string{
			"PYTHONDONTWRITEBYTECODE=1",
			"DATABASE_URL=postgresql://postgres@localhost/htest",
		},
		pipeline.Env.Global[0].Vars.Strings(),
	)
	test.Empty(pipeline.Env.Jobs)

	test.Equal([]string{"./scripts/install-elasticsearch.sh"}, pipeline.Phases[PHASE_BEFORE_INSTALL])
	test.Equal([]string{"tox"}, pipeline.Phases[PHASE_SCRIPT])
	test.Equal([]string{"tox -e coverage"}, pipeline.Phases[PHASE_AFTER_SUCCESS])
	test.False(pipeline.Phases.Has(PHASE_AFTER_FAILURE))

	test.True(pipeline.Matrix.FastFinish)
	test.Len(pipeline.Matrix.Include, 5)
	test.Len(pipeline.Matrix.AllowFailures, 1)

	lint := pipeline.Matrix.Include[2]
	test.Equal([]string{"tox -e lint"}, lint.Phases[PHASE_SCRIPT])
	test.Nil(lint.Addons)
	test.Nil(lint.Services)

	frontend := pipeline.Matrix.Include[4]
	test.Equal(LANGUAGE_NODE_JS, frontend.Language)
	test.Equal("6", frontend.Versions["node_js"])
	test.NotNil(frontend.Addons)
	test.Empty(frontend.Addons.Databases)
	test.NotNil(frontend.Services)
	test.Empty(frontend.Services)
	test.Equal([]string{"npm install"}, frontend.Phases[PHASE_INSTALL])

	test.NotNil(pipeline.Notifications.Slack)
	test.Equal(
		[]Room{{URL: "$SLACK_WEBHOOK_URL"}},
		pipeline.Notifications.Slack.Rooms,
	)
	test.Equal(POLICY_CHANGE, pipeline.Notifications.Slack.OnSuccess)
	test.Equal(POLICY_ALWAYS, pipeline.Notifications.Slack.OnFailure)
	test.Equal([]string{"email"}, pipeline.Notifications.Disabled)

	test.Equal([]string{"sudo"}, pipeline.Ignored)
	test.Empty(pipeline.Unknown)
}

func TestUnmarshal_VersionsKeepLiteralText(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Load(testdata + "versions.yaml")
	if !test.NoError(err) {
		return
	}

	test.Equal([]string{"2.7", "3.6", "3.10"}, pipeline.Versions["python"])
	test.Len(pipeline.Env.Jobs, 2)
	test.Equal("DB=sqlite", pipeline.Env.Jobs[1].String())
}

func TestUnmarshal_CacheShortcut(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Load(testdata + "cache_shortcut.yaml")
	if !test.NoError(err) {
		return
	}

	test.Equal([]string{"$HOME/.npm"}, pipeline.Cache.Directories)
}

func TestUnmarshal_CacheDisabled(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Unmarshal([]byte("language: go\ncache: false\nscript: go test ./...\n"))
	if !test.NoError(err) {
		return
	}

	test.True(pipeline.Cache.Disabled)
	test.Empty(pipeline.Cache.Directories)
}

func TestUnmarshal_DefaultsToGenericLanguage(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Unmarshal([]byte("script: make\nfoo: bar\n"))
	if !test.NoError(err) {
		return
	}

	test.Equal(LANGUAGE_GENERIC, pipeline.Language)
	test.Equal([]string{"foo"}, pipeline.Unknown)
}

func TestUnmarshal_SkipPhase(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Unmarshal([]byte("install: skip\nscript: make\n"))
	if !test.NoError(err) {
		return
	}

	test.True(pipeline.Phases.Has(PHASE_INSTALL))
	test.Empty(pipeline.Phases[PHASE_INSTALL])
}

func TestUnmarshal_SecureEntries(t *testing.T) {
	test := assert.New(t)

	pipeline, err := Unmarshal([]byte(`
script: make
env:
  global:
    - secure: "abcdef"
    - A=1
notifications:
  slack:
    secure: "qwerty"
`))
	if !test.NoError(err) {
		return
	}

	test.True(pipeline.Env.Global[0].Secure)
	test.Equal("[secure]", pipeline.Env.Global[0].String())
	test.Equal([]Room{{Secure: true}}, pipeline.Notifications.Slack.Rooms)
}

func TestUnmarshal_EmptyDocument(t *testing.T) {
	test := assert.New(t)

	_, err := Unmarshal([]byte(""))
	test.Error(err)
}

func TestParseAssignments(t *testing.T) {
	test := assert.New(t)

	testcases := []struct {
		line   string
		expect []string
		err    string
	}{
		{line: "A=1", expect: []string{"A=1"}},
		{line: "  A=1   B=2 ", expect: []string{"A=1", "B=2"}},
		{line: `A="x y" B='$HOME z'`, expect: []string{"A=x y", "B=$HOME z"}},
		{line: `A=a\ b`, expect: []string{"A=a b"}},
		{line: "A=", expect: []string{"A="}},
		{line: "A=1=2", expect: []string{"A=1=2"}},
		{line: "", expect: []string{}},
		{line: "A", err: "expected NAME=value"},
		{line: "1A=x", err: "invalid variable name"},
		{line: `A="x`, err: "unterminated quote"},
	}

	for _, testcase := range testcases {
		vars, err := ParseAssignments(testcase.line)
		if testcase.err != "" {
			if test.Error(err, testcase.line) {
				test.Contains(err.Error(), testcase.err)
			}
			continue
		}

		if test.NoError(err, testcase.line) {
			test.Equal(testcase.expect, vars.Strings(), testcase.line)
		}
	}
}

func TestGetLanguage_Aliases(t *testing.T) {
	test := assert.New(t)

	language, ok := GetLanguage("minimal")
	test.True(ok)
	test.Equal(LANGUAGE_GENERIC, language.Name)

	language, ok = GetLanguage("node_js")
	test.True(ok)
	test.Equal("node", language.Image)

	_, ok = GetLanguage("cobol")
	test.False(ok)

	test.Equal([]string{"go", "node_js", "python", "rvm"}, VersionKeys())
}
