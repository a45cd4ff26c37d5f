package lint

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/matrix"
)

// Validate checks that the pipeline is well-formed and can be run. All found
// problems are returned at once as *multierror.Error.
func Validate(pipeline config.Pipeline, jobs []matrix.Job) error {
	var result *multierror.Error

	if _, ok := config.GetLanguage(pipeline.Language); !ok {
		result = multierror.Append(result, fmt.Errorf(
			"unknown language: %q, known are: %v",
			pipeline.Language, config.Languages(),
		))
	}

	if len(jobs) == 0 {
		result = multierror.Append(result, fmt.Errorf("the build has no jobs"))
	}

	for _, job := range jobs {
		err := ValidateJob(job)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	// job level caches are validated per job
	for _, err := range validateCache("cache", pipeline.Cache) {
		result = multierror.Append(result, err)
	}

	for _, err := range validateNotifications(pipeline.Notifications) {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func ValidateJob(job matrix.Job) error {
	var result *multierror.Error

	prefix := fmt.Sprintf("job #%d (%s)", job.Number, job.String())

	if job.Language.VersionKey != "" && job.Version == "" {
		result = multierror.Append(result, fmt.Errorf(
			"%s: no %s version specified", prefix, job.Language.VersionKey,
		))
	}

	if len(job.Commands(config.PHASE_SCRIPT)) == 0 {
		result = multierror.Append(result, fmt.Errorf(
			"%s: no script specified", prefix,
		))
	}

	for _, phase := range config.PhaseOrder {
		for index, command := range job.Commands(phase) {
			if strings.TrimSpace(command) == "" {
				result = multierror.Append(result, fmt.Errorf(
					"%s: %s #%d is an empty command", prefix, phase, index+1,
				))
			}
		}
	}

	_, err := executor.ResolveServices(job.Services, job.Addons.Databases, nil)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %s", prefix, err))
	}

	if job.Included {
		for _, err := range validateCache(prefix+": cache", job.Cache) {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func validateCache(prefix string, cache config.Cache) []error {
	errs := []error{}

	for _, dir := range cache.Directories {
		err := ValidateCacheDir(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf(
				"%s: invalid directory %q: %s", prefix, dir, err,
			))
		}
	}

	for _, pattern := range cache.Exclude {
		_, err := doublestar.Match(pattern, "")
		if err != nil {
			errs = append(errs, fmt.Errorf(
				"%s: invalid exclude pattern %q: %s", prefix, pattern, err,
			))
		}
	}

	return errs
}

// ValidateCacheDir checks that the directory can be cached: the root
// directory and relative paths leaving the build directory are rejected.
func ValidateCacheDir(dir string) error {
	switch {
	case strings.TrimSpace(dir) == "":
		return fmt.Errorf("empty path")

	case strings.ContainsRune(dir, 0):
		return fmt.Errorf("path contains NUL byte")
	}

	cleaned := path.Clean(dir)
	if cleaned == "/" {
		return fmt.Errorf("caching the root directory is not allowed")
	}

	if strings.HasPrefix(dir, "$") || strings.HasPrefix(dir, "~") {
		// the value is known only in the job, it is checked again there
		for _, segment := range strings.Split(dir, "/") {
			if segment == ".." {
				return fmt.Errorf("path with variables must not contain '..'")
			}
		}

		return nil
	}

	if !path.IsAbs(cleaned) && (cleaned == ".." || strings.HasPrefix(cleaned, "../")) {
		return fmt.Errorf("relative path leaves the build directory")
	}

	if cleaned == "." {
		return fmt.Errorf("caching the whole build directory is not allowed")
	}

	return nil
}

func validateNotifications(notifications config.Notifications) []error {
	errs := []error{}

	for _, name := range notifications.Unknown {
		errs = append(errs, fmt.Errorf(
			"notifications: unknown notifier %q, known are: slack, webhooks", name,
		))
	}

	policies := map[string]config.Policy{
		"notifications.on_success": notifications.OnSuccess,
		"notifications.on_failure": notifications.OnFailure,
	}

	if slack := notifications.Slack; slack != nil {
		policies["notifications.slack.on_success"] = slack.OnSuccess
		policies["notifications.slack.on_failure"] = slack.OnFailure

		if len(slack.Rooms) == 0 {
			errs = append(errs, fmt.Errorf(
				"notifications.slack: no rooms or webhook_url specified",
			))
		}

		errs = append(errs, validateRooms("notifications.slack", slack.Rooms)...)
	}

	if webhooks := notifications.Webhooks; webhooks != nil {
		policies["notifications.webhooks.on_success"] = webhooks.OnSuccess
		policies["notifications.webhooks.on_failure"] = webhooks.OnFailure

		if len(webhooks.URLs) == 0 {
			errs = append(errs, fmt.Errorf(
				"notifications.webhooks: no urls specified",
			))
		}

		errs = append(errs, validateRooms("notifications.webhooks", webhooks.URLs)...)
	}

	for _, name := range sortedKeys(policies) {
		policy := policies[name]
		if policy != "" && !policy.IsValid() {
			errs = append(errs, fmt.Errorf(
				"%s: invalid value %q, expected always, never or change",
				name, policy,
			))
		}
	}

	return errs
}

func validateRooms(prefix string, rooms []config.Room) []error {
	errs := []error{}
	for index, room := range rooms {
		switch {
		case room.Secure:
			errs = append(errs, fmt.Errorf(
				"%s #%d: encrypted values can't be decrypted, "+
					"use an environment variable like $SLACK_WEBHOOK_URL",
				prefix, index+1,
			))

		case strings.HasPrefix(room.URL, "$"):

		case strings.HasPrefix(room.URL, "https://"),
			strings.HasPrefix(room.URL, "http://"):

		default:
			errs = append(errs, fmt.Errorf(
				"%s #%d: %q is not a webhook URL",
				prefix, index+1, room.URL,
			))
		}
	}
	return errs
}

// Warnings returns problems which don't prevent the build from running.
func Warnings(pipeline config.Pipeline, jobs []matrix.Job) []string {
	warnings := []string{}

	for _, key := range pipeline.Ignored {
		warnings = append(warnings, fmt.Sprintf("%s: ignored for local builds", key))
	}

	for _, key := range pipeline.Unknown {
		warnings = append(warnings, fmt.Sprintf("%s: unknown field", key))
	}

	for _, name := range pipeline.Addons.Unsupported {
		warnings = append(warnings, fmt.Sprintf("addons.%s: not supported, ignored", name))
	}

	for _, name := range pipeline.Notifications.Unsupported {
		warnings = append(warnings, fmt.Sprintf("notifications.%s: not supported, ignored", name))
	}

	for _, job := range jobs {
		if job.SecureEnv {
			warnings = append(warnings, fmt.Sprintf(
				"job #%d: encrypted env variables are not available", job.Number,
			))
		}
	}

	warnings = append(warnings, matrix.Unmatched(pipeline, jobs)...)

	return warnings
}
