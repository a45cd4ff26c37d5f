// +build !windows

package runner

const (
	DEFAULT_CONFIG_PATH = "/etc/matrix-runner/matrix-runner.conf"
	DEFAULT_WORK_DIR    = "~/.local/share/matrix-runner"
	DEFAULT_CACHE_DIR   = "~/.cache/matrix-runner"
)
