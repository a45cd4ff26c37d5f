package pipeline

import (
	"fmt"
	"io"
	"os"
	"text/template"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/reconquest/matrix-runner/internal/notify"
	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/seletskiy/tplutil"
)

var templateSummary = template.Must(
	template.New("summary").Funcs(template.FuncMap{
		"duration": notify.FormatDuration,
		"status":   status.Status.Verb,
	}).Parse(`
Build #{{ .Number }} ({{ .Commit }}) of {{ .Repository }}@{{ .Branch }} {{ status .Status }} in {{ duration .Duration }}
{{ range .Jobs }}
  {{ printf "%-8s" .ID }} {{ status .Status }}{{ if .Duration }} in {{ duration .Duration }}{{ end }}  {{ .Name }}
  {{- if .AllowFailure }} (allowed to fail){{ end }}
  {{- if .LogPath }}
           {{ .LogPath }}
  {{- end }}
{{- end }}
`))

var colors = map[status.Status]string{
	status.PASSED:   "\x1b[32m",
	status.FAILED:   "\x1b[31m",
	status.ERRORED:  "\x1b[31m",
	status.CANCELED: "\x1b[33m",
}

const colorReset = "\x1b[0m"

func isTerminal(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(file.Fd()) || isatty.IsCygwinTerminal(file.Fd())
}

// Summary renders results of the build as a table, statuses are colored
// when color is set.
func Summary(result Result, repository string, branch string, commit string, color bool) (string, error) {
	type summaryJob struct {
		ID           string
		Name         string
		Status       status.Status
		AllowFailure bool
		Duration     time.Duration
		LogPath      string
	}

	jobs := []summaryJob{}
	for _, item := range result.Jobs {
		jobs = append(jobs, summaryJob{
			ID:           item.Job.ID(result.Number),
			Name:         item.Job.String(),
			Status:       item.Status,
			AllowFailure: item.Job.AllowFailure,
			Duration:     item.Duration(),
			LogPath:      item.LogPath,
		})
	}

	tpl, err := templateSummary.Clone()
	if err != nil {
		return "", err
	}

	tpl.Funcs(template.FuncMap{
		"status": func(value status.Status) string {
			if !color {
				return value.Verb()
			}

			return colors[value] + value.Verb() + colorReset
		},
	})

	return tplutil.ExecuteToString(tpl, map[string]interface{}{
		"Number":     result.Number,
		"Commit":     utils.ShortHash(commit),
		"Repository": repository,
		"Branch":     branch,
		"Status":     result.Status,
		"Duration":   result.Duration(),
		"Jobs":       jobs,
	})
}

func (process *Process) summary(result Result) {
	writer := process.options.Summary
	if writer == nil {
		return
	}

	text, err := Summary(
		result,
		process.repository.Slug,
		process.repository.Branch,
		process.repository.Commit,
		isTerminal(writer),
	)
	if err != nil {
		process.log.Errorf(err, "unable to render build summary")
		return
	}

	fmt.Fprintln(writer, text)
}
