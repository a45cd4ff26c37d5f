package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/reconquest/matrix-runner/internal/status"
	"github.com/reconquest/matrix-runner/internal/utils"
)

// Event describes a finished build.
type Event struct {
	ID         string
	Number     int
	Repository string
	Branch     string
	Commit     string
	Author     string
	Message    string
	Status     status.Status
	StartedAt  time.Time
	FinishedAt time.Time
	Jobs       []Job

	// Previous is the status of the previous build of the same branch,
	// empty if there is no previous build.
	Previous status.Status
}

type Job struct {
	ID           string
	Name         string
	Status       status.Status
	AllowFailure bool
	Duration     time.Duration
}

func (event Event) Duration() time.Duration {
	return event.FinishedAt.Sub(event.StartedAt)
}

// Result is a short description of the build result which takes the
// previous build into account: a failed build following a passed one is
// "broken", a passed one following a failed one is "fixed".
func (event Event) Result() string {
	current := event.Status.IsSuccess()

	switch {
	case event.Previous == "":
		return event.Status.Verb()

	case current && !event.Previous.IsSuccess():
		return "was fixed"

	case !current && event.Previous.IsSuccess():
		return "is broken"

	case !current && event.Status == status.FAILED && event.Previous == status.FAILED:
		return "is still failing"
	}

	return event.Status.Verb()
}

// Summary is a one-line message like "Build #3 (abc1234) of owner/repo@master
// passed in 1 min 2 sec".
func (event Event) Summary() string {
	return fmt.Sprintf(
		"Build #%d (%s) of %s@%s %s in %s",
		event.Number,
		utils.ShortHash(event.Commit),
		event.Repository,
		event.Branch,
		event.Result(),
		FormatDuration(event.Duration()),
	)
}

// FormatDuration formats the duration the same way CI services usually do:
// "1 hr 2 min 3 sec".
func FormatDuration(duration time.Duration) string {
	duration = duration.Round(time.Second)

	hours := int(duration / time.Hour)
	minutes := int(duration % time.Hour / time.Minute)
	seconds := int(duration % time.Minute / time.Second)

	chunks := []string{}
	if hours > 0 {
		chunks = append(chunks, fmt.Sprintf("%d hr", hours))
	}

	if minutes > 0 {
		chunks = append(chunks, fmt.Sprintf("%d min", minutes))
	}

	if seconds > 0 || len(chunks) == 0 {
		chunks = append(chunks, fmt.Sprintf("%d sec", seconds))
	}

	return strings.Join(chunks, " ")
}
