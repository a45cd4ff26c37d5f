package env

import (
	"testing"

	"github.com/reconquest/matrix-runner/internal/builtin"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/stretchr/testify/assert"
)

func clone(src map[string]string) map[string]string {
	dst := map[string]string{}
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

func TestEnvBuilder(t *testing.T) {
	test := assert.New(t)

	python, _ := config.GetLanguage(config.LANGUAGE_PYTHON)

	job := matrix.Job{
		Number:    2,
		Language:  python,
		Version:   "2.7",
		GlobalEnv: mapslice.FromPairs("PYTHONDONTWRITEBYTECODE", "1"),
		Env:       mapslice.FromPairs("ACTION", "tests"),
	}

	repository := repo.Info{
		Slug:    "hypothesis/h",
		Branch:  "master",
		Commit:  "1234567890abcdef",
		Author:  "Jane",
		Message: "fix things",
	}

	builder := func(job matrix.Job, base []string) *Builder {
		return NewBuilder(
			"bid", 7, "/build", job, repository, "gotest",
			mapslice.FromPairs("TOKEN", "secret"),
			map[string]string{"POSTGRES_HOST": "postgres"},
			base,
		)
	}

	expected := map[string]string{
		"CI":                          "true",
		"CONTINUOUS_INTEGRATION":      "true",
		"TRAVIS":                      "true",
		"HAS_JOSH_K_SEAL_OF_APPROVAL": "true",
		"CI_BUILD_ID":                 "bid",
		"CI_BUILD_NUMBER":             "7",
		"CI_BUILD_DIR":                "/build",
		"CI_JOB_NUMBER":               "7.2",
		"CI_JOB_NAME":                 "python: 2.7 ACTION=tests",
		"CI_BRANCH":                   "master",
		"CI_TAG":                      "",
		"CI_COMMIT":                   "1234567890abcdef",
		"CI_COMMIT_SHORT":             "1234567",
		"CI_COMMIT_MESSAGE":           "fix things",
		"CI_COMMIT_AUTHOR":            "Jane",
		"CI_REPO_SLUG":                "hypothesis/h",
		"CI_LANGUAGE":                 "python",
		"CI_RUNTIME_VERSION":          "2.7",
		"CI_ALLOW_FAILURE":            "false",
		"CI_RUNNER_NAME":              "gotest",
		"CI_RUNNER_VERSION":           builtin.Version,
		"TRAVIS_BUILD_ID":             "bid",
		"TRAVIS_BUILD_NUMBER":         "7",
		"TRAVIS_BUILD_DIR":            "/build",
		"TRAVIS_JOB_NUMBER":           "7.2",
		"TRAVIS_JOB_NAME":             "python: 2.7 ACTION=tests",
		"TRAVIS_BRANCH":               "master",
		"TRAVIS_TAG":                  "",
		"TRAVIS_COMMIT":               "1234567890abcdef",
		"TRAVIS_COMMIT_MESSAGE":       "fix things",
		"TRAVIS_REPO_SLUG":            "hypothesis/h",
		"TRAVIS_LANGUAGE":             "python",
		"TRAVIS_ALLOW_FAILURE":        "false",
		"TRAVIS_PYTHON_VERSION":       "2.7",
		"POSTGRES_HOST":               "postgres",
		"TOKEN":                       "secret",
		"PYTHONDONTWRITEBYTECODE":     "1",
		"ACTION":                      "tests",
	}

	{
		test.EqualValues(expected, builder(job, nil).Build().mapping)
	}

	{
		job := job
		job.AllowFailure = true
		job.Env = mapslice.FromPairs(
			"ACTION", "docs",
			"OUT", "$HOME/out",
			"URL", "postgres://$POSTGRES_HOST/${ACTION}",
			"PATH", "$HOME/bin:$PATH",
		)

		expected := clone(expected)
		expected["HOME"] = "/root"
		expected["CI_ALLOW_FAILURE"] = "true"
		expected["TRAVIS_ALLOW_FAILURE"] = "true"
		expected["CI_JOB_NAME"] = "python: 2.7 ACTION=docs OUT=$HOME/out " +
			"URL=postgres://$POSTGRES_HOST/${ACTION} PATH=$HOME/bin:$PATH"
		expected["TRAVIS_JOB_NAME"] = expected["CI_JOB_NAME"]
		expected["ACTION"] = "docs"
		expected["OUT"] = "/root/out"
		expected["URL"] = "postgres://postgres/docs"
		expected["PATH"] = "/root/bin:${PATH}"

		env := builder(job, []string{"HOME=/root", "broken"}).Build()
		test.EqualValues(expected, env.mapping)

		test.Equal([]string{
			"PYTHONDONTWRITEBYTECODE=1",
			"ACTION=docs",
			"OUT=/root/out",
			"URL=postgres://postgres/docs",
			"PATH=/root/bin:${PATH}",
		}, env.Defined().Strings())
	}
}

func TestEnvBuilder_LaterWins(t *testing.T) {
	test := assert.New(t)

	job := matrix.Job{
		Number:    1,
		Language:  config.Language{Name: config.LANGUAGE_GENERIC},
		GlobalEnv: mapslice.FromPairs("A", "global", "B", "$A-b"),
		Env:       mapslice.FromPairs("A", "job", "C", "$A-c", "CI", "false"),
	}

	env := NewBuilder(
		"id", 1, "/build", job, repo.Info{}, "runner",
		mapslice.FromPairs("A", "secret"),
		nil,
		[]string{"A=base"},
	).Build()

	value, _ := env.Get("A")
	test.Equal("job", value)

	value, _ = env.Get("B")
	test.Equal("global-b", value)

	value, _ = env.Get("C")
	test.Equal("job-c", value)

	value, _ = env.Get("CI")
	test.Equal("false", value)

	_, ok := env.Get("TRAVIS_PYTHON_VERSION")
	test.False(ok)

	test.Contains(env.GetAll(), "A=job")
}
