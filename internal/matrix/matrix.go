package matrix

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/mapslice"
)

type Job struct {
	// Number is the position of the job in the build, starting from 1.
	Number int

	// Name is set only when specified explicitly in matrix.include.
	Name string

	Language config.Language
	Version  string

	Env       *mapslice.MapSlice
	GlobalEnv *mapslice.MapSlice

	// SecureEnv is set when the job refers to encrypted variables which
	// can't be provided.
	SecureEnv bool

	Phases   config.Phases
	Addons   config.Addons
	Services []string
	Cache    config.Cache

	AllowFailure bool

	// Included is set for jobs coming from matrix.include.
	Included bool
}

// ID returns the number of the job within a build like 14.2.
func (job Job) ID(build int) string {
	if build <= 0 {
		return strconv.Itoa(job.Number)
	}

	return fmt.Sprintf("%d.%d", build, job.Number)
}

func (job Job) Runtime() string {
	if job.Language.VersionKey == "" {
		return job.Language.Name
	}

	return job.Language.VersionKey + ": " + job.Version
}

func (job Job) String() string {
	label := job.Runtime()
	if job.Name != "" {
		label = job.Name + " (" + label + ")"
	}

	if job.Env.Len() > 0 {
		label += " " + strings.Join(job.Env.Strings(), " ")
	}

	return label
}

func (job Job) Commands(phase config.Phase) []string {
	return job.Phases[phase]
}

// Expand builds the list of jobs.
//
// The base matrix is a product of runtime versions and env rows declared on
// the top level. When matrix.include is used and the top level declares at
// most one version and no env rows, the top level values only serve as
// defaults for included jobs and the base matrix is empty.
func Expand(pipeline config.Pipeline) ([]Job, error) {
	language, ok := config.GetLanguage(pipeline.Language)
	if !ok {
		return nil, fmt.Errorf(
			"unknown language: %q, known are: %v",
			pipeline.Language, config.Languages(),
		)
	}

	globalEnv, globalSecure := flattenEnv(pipeline.Env.Global)

	versions := []string{}
	if language.VersionKey != "" {
		versions = append(versions, pipeline.Versions[language.VersionKey]...)
	}

	for key := range pipeline.Versions {
		if key != language.VersionKey {
			return nil, fmt.Errorf(
				"runtime %q can't be used with language %s",
				key, language.Name,
			)
		}
	}

	base := []Job{}
	if len(pipeline.Matrix.Include) == 0 ||
		len(versions) > 1 ||
		len(pipeline.Env.Jobs) > 0 {
		if len(versions) == 0 {
			versions = []string{language.DefaultVersion}
		}

		rows := pipeline.Env.Jobs
		if len(rows) == 0 {
			rows = []config.EnvEntry{{Vars: &mapslice.MapSlice{}}}
		}

		for _, version := range versions {
			for _, row := range rows {
				job := Job{
					Language:  language,
					Version:   version,
					Env:       row.Vars.Clone(),
					GlobalEnv: globalEnv.Clone(),
					SecureEnv: globalSecure || row.Secure,
					Phases:    pipeline.Phases.Merge(nil),
					Addons:    pipeline.Addons,
					Services:  pipeline.Services,
					Cache:     pipeline.Cache,
				}

				excluded := false
				for _, spec := range pipeline.Matrix.Exclude {
					if Match(spec, job) {
						excluded = true
						break
					}
				}

				if !excluded {
					base = append(base, job)
				}
			}
		}
	}

	jobs := base
	for index, spec := range pipeline.Matrix.Include {
		job, err := include(pipeline, spec)
		if err != nil {
			return nil, karma.Format(err, "invalid matrix.include job #%d", index+1)
		}

		job.GlobalEnv = globalEnv.Clone()
		job.SecureEnv = job.SecureEnv || globalSecure

		jobs = append(jobs, job)
	}

	for i := range jobs {
		jobs[i].Number = i + 1

		for _, spec := range pipeline.Matrix.AllowFailures {
			if Match(spec, jobs[i]) {
				jobs[i].AllowFailure = true
				break
			}
		}
	}

	return jobs, nil
}

func include(pipeline config.Pipeline, spec config.JobSpec) (Job, error) {
	name := spec.Language
	if name == "" {
		name = pipeline.Language
	}

	language, ok := config.GetLanguage(name)
	if !ok {
		return Job{}, fmt.Errorf(
			"unknown language: %q, known are: %v",
			name, config.Languages(),
		)
	}

	job := Job{
		Name:     spec.Name,
		Language: language,
		Phases:   pipeline.Phases.Merge(spec.Phases),
		Addons:   pipeline.Addons,
		Services: pipeline.Services,
		Cache:    pipeline.Cache,
		Included: true,
		Env:      &mapslice.MapSlice{},
	}

	for key := range spec.Versions {
		if key != language.VersionKey {
			return Job{}, fmt.Errorf(
				"runtime %q can't be used with language %s",
				key, language.Name,
			)
		}
	}

	switch {
	case language.VersionKey == "":
	case spec.Versions[language.VersionKey] != "":
		job.Version = spec.Versions[language.VersionKey]
	case len(pipeline.Versions[language.VersionKey]) > 0:
		job.Version = pipeline.Versions[language.VersionKey][0]
	default:
		job.Version = language.DefaultVersion
	}

	if spec.Env != nil {
		job.Env, job.SecureEnv = flattenEnv(spec.Env)
	}

	if spec.Addons != nil {
		job.Addons = *spec.Addons
	}

	if spec.Services != nil {
		job.Services = spec.Services
	}

	if spec.Cache != nil {
		job.Cache = *spec.Cache
	}

	return job, nil
}

func flattenEnv(entries []config.EnvEntry) (*mapslice.MapSlice, bool) {
	result := &mapslice.MapSlice{}
	secure := false
	for _, entry := range entries {
		if entry.Secure {
			secure = true
			continue
		}

		result.Extend(entry.Vars)
	}

	return result, secure
}

// Match reports whether every field set in the spec matches the job.
func Match(spec config.JobSpec, job Job) bool {
	if spec.Name != "" && spec.Name != job.Name {
		return false
	}

	if spec.Language != "" {
		language, ok := config.GetLanguage(spec.Language)
		if !ok || language.Name != job.Language.Name {
			return false
		}
	}

	for key, version := range spec.Versions {
		if key != job.Language.VersionKey || version != job.Version {
			return false
		}
	}

	if spec.Env != nil {
		env, _ := flattenEnv(spec.Env)
		if strings.Join(env.Strings(), " ") != strings.Join(job.Env.Strings(), " ") {
			return false
		}
	}

	return true
}

// Filter keeps jobs with given numbers, all jobs are returned if no numbers
// given.
func Filter(jobs []Job, numbers []int) ([]Job, error) {
	if len(numbers) == 0 {
		return jobs, nil
	}

	sorted := append([]int{}, numbers...)
	sort.Ints(sorted)

	result := []Job{}
	for _, number := range sorted {
		if number < 1 || number > len(jobs) {
			return nil, fmt.Errorf(
				"no such job: %d, the build has %d jobs", number, len(jobs),
			)
		}

		if len(result) > 0 && result[len(result)-1].Number == number {
			continue
		}

		result = append(result, jobs[number-1])
	}

	return result, nil
}

// Unmatched returns specs of matrix.exclude and matrix.allow_failures which
// match no jobs; those are usually typos.
func Unmatched(pipeline config.Pipeline, jobs []Job) []string {
	problems := []string{}

	check := func(section string, specs []config.JobSpec, jobs []Job) {
		for index, spec := range specs {
			found := false
			for _, job := range jobs {
				if Match(spec, job) {
					found = true
					break
				}
			}

			if !found {
				problems = append(
					problems,
					fmt.Sprintf("matrix.%s #%d matches no jobs", section, index+1),
				)
			}
		}
	}

	check("allow_failures", pipeline.Matrix.AllowFailures, jobs)

	// excluded jobs are gone, so exclude specs are checked against the
	// base matrix without exclusions
	if len(pipeline.Matrix.Exclude) > 0 {
		stripped := pipeline
		stripped.Matrix.Exclude = nil
		stripped.Matrix.Include = nil

		base, err := Expand(stripped)
		if err == nil {
			check("exclude", pipeline.Matrix.Exclude, base)
		}
	}

	return problems
}
