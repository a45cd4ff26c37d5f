package notify

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reconquest/matrix-runner/internal/utils"
)

const DEFAULT_TEMPLATE = "Build #%{build_number} (%{commit}) of " +
	"%{repository_slug}@%{branch} by %{author} %{result} in %{duration}"

var placeholderPattern = regexp.MustCompile(`%\{([a-z_]+)\}`)

func placeholders(event Event) map[string]string {
	return map[string]string{
		"repository":      event.Repository,
		"repository_slug": event.Repository,
		"repository_name": repositoryName(event.Repository),
		"build_number":    fmt.Sprint(event.Number),
		"build_id":        event.ID,
		"branch":          event.Branch,
		"commit":          utils.ShortHash(event.Commit),
		"author":          event.Author,
		"commit_message":  event.Message,
		"result":          event.Result(),
		"duration":        FormatDuration(event.Duration()),
		"elapsed_time":    FormatDuration(event.Duration()),
		"message":         event.Summary(),
	}
}

func repositoryName(slug string) string {
	index := strings.LastIndex(slug, "/")
	if index < 0 {
		return slug
	}

	return slug[index+1:]
}

// Render replaces %{name} placeholders with values of the event, unknown
// placeholders are kept as is. Lines are joined with newlines.
func Render(lines []string, event Event) string {
	if len(lines) == 0 {
		lines = []string{DEFAULT_TEMPLATE}
	}

	values := placeholders(event)

	rendered := make([]string, len(lines))
	for i, line := range lines {
		rendered[i] = placeholderPattern.ReplaceAllStringFunc(
			line,
			func(match string) string {
				name := match[2 : len(match)-1]
				if value, ok := values[name]; ok {
					return value
				}

				return match
			},
		)
	}

	return strings.Join(rendered, "\n")
}
