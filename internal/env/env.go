package env

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/reconquest/matrix-runner/internal/builtin"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"github.com/reconquest/matrix-runner/internal/matrix"
	"github.com/reconquest/matrix-runner/internal/repo"
	"github.com/reconquest/matrix-runner/internal/utils"
)

// travis compatible names of the same variables
var aliases = [][2]string{
	{"CI_BUILD_ID", "TRAVIS_BUILD_ID"},
	{"CI_BUILD_NUMBER", "TRAVIS_BUILD_NUMBER"},
	{"CI_BUILD_DIR", "TRAVIS_BUILD_DIR"},
	{"CI_JOB_NUMBER", "TRAVIS_JOB_NUMBER"},
	{"CI_JOB_NAME", "TRAVIS_JOB_NAME"},
	{"CI_BRANCH", "TRAVIS_BRANCH"},
	{"CI_TAG", "TRAVIS_TAG"},
	{"CI_COMMIT", "TRAVIS_COMMIT"},
	{"CI_COMMIT_MESSAGE", "TRAVIS_COMMIT_MESSAGE"},
	{"CI_REPO_SLUG", "TRAVIS_REPO_SLUG"},
	{"CI_LANGUAGE", "TRAVIS_LANGUAGE"},
	{"CI_ALLOW_FAILURE", "TRAVIS_ALLOW_FAILURE"},
}

type Builder struct {
	buildID     string
	buildNumber int
	buildDir    string
	job         matrix.Job
	repository  repo.Info
	runnerName  string
	secrets     *mapslice.MapSlice
	services    map[string]string
	base        []string
}

func NewBuilder(
	buildID string,
	buildNumber int,
	buildDir string,
	job matrix.Job,
	repository repo.Info,
	runnerName string,
	secrets *mapslice.MapSlice,
	services map[string]string,
	base []string,
) *Builder {
	return &Builder{
		buildID:     buildID,
		buildNumber: buildNumber,
		buildDir:    buildDir,
		job:         job,
		repository:  repository,
		runnerName:  runnerName,
		secrets:     secrets,
		services:    services,
		base:        base,
	}
}

// Env is the resulting environment of a job: the base environment of the box
// overridden by variables provided by the runner and the build definition.
type Env struct {
	mapping map[string]string
	values  []string
	defined *mapslice.MapSlice
}

func NewEnv(mapping map[string]string) *Env {
	env := &Env{
		mapping: mapping,
		defined: &mapslice.MapSlice{},
	}

	keys := make([]string, 0, len(mapping))
	for key := range mapping {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		env.values = append(env.values, key+"="+mapping[key])
	}

	return env
}

// GetAll returns KEY=VALUE strings suitable for exec.
func (env *Env) GetAll() []string {
	return env.values
}

func (env *Env) Get(key string) (string, bool) {
	value, ok := env.mapping[key]
	return value, ok
}

// Defined returns variables declared in the build definition with
// references expanded, in declaration order.
func (env *Env) Defined() *mapslice.MapSlice {
	return env.defined
}

func (builder *Builder) Build() *Env {
	base := &mapslice.MapSlice{}
	for _, item := range builder.base {
		key, value, ok := strings.Cut(item, "=")
		if ok {
			base.Append(key, value)
		}
	}

	vars := builder.build()

	defined := &mapslice.MapSlice{}
	resolved := base.Clone()

	expand := func(value string) string {
		return os.Expand(value, func(name string) string {
			if value, ok := resolved.Get(name); ok {
				return value
			}

			// keep unknown references as is, the shell may know them
			return "${" + name + "}"
		})
	}

	resolved.Extend(vars)

	for _, pair := range builder.secrets.Pairs() {
		resolved.Append(pair.Key, expand(pair.Value))
	}

	for _, pairs := range []*mapslice.MapSlice{
		builder.job.GlobalEnv,
		builder.job.Env,
	} {
		for _, pair := range pairs.Pairs() {
			value := expand(pair.Value)

			resolved.Append(pair.Key, value)
			defined.Append(pair.Key, value)
		}
	}

	env := NewEnv(resolved.Map())
	env.defined = defined

	return env
}

func (builder *Builder) build() *mapslice.MapSlice {
	job := builder.job

	vars := mapslice.FromPairs(
		"CI", "true",
		"CONTINUOUS_INTEGRATION", "true",
		"TRAVIS", "true",
		"HAS_JOSH_K_SEAL_OF_APPROVAL", "true",
	)

	main := map[string]string{
		"CI_BUILD_ID":        builder.buildID,
		"CI_BUILD_NUMBER":    fmt.Sprint(builder.buildNumber),
		"CI_BUILD_DIR":       builder.buildDir,
		"CI_JOB_NUMBER":      job.ID(builder.buildNumber),
		"CI_JOB_NAME":        job.String(),
		"CI_BRANCH":          builder.repository.Branch,
		"CI_TAG":             builder.repository.Tag,
		"CI_COMMIT":          builder.repository.Commit,
		"CI_COMMIT_SHORT":    utils.ShortHash(builder.repository.Commit),
		"CI_COMMIT_MESSAGE":  builder.repository.Message,
		"CI_COMMIT_AUTHOR":   builder.repository.Author,
		"CI_REPO_SLUG":       builder.repository.Slug,
		"CI_LANGUAGE":        job.Language.Name,
		"CI_RUNTIME_VERSION": job.Version,
		"CI_ALLOW_FAILURE":   fmt.Sprint(job.AllowFailure),
		"CI_RUNNER_NAME":     builder.runnerName,
		"CI_RUNNER_VERSION":  builtin.Version,
	}

	keys := make([]string, 0, len(main))
	for key := range main {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		vars.Append(key, main[key])
	}

	for _, alias := range aliases {
		vars.Append(alias[1], main[alias[0]])
	}

	if job.Language.VersionVar != "" {
		vars.Append(job.Language.VersionVar, job.Version)
	}

	keys = keys[:0]
	for key := range builder.services {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	for _, key := range keys {
		vars.Append(key, builder.services[key])
	}

	return vars
}
