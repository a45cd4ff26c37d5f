// +build windows

package runner

import (
	"os"
	"path/filepath"
)

var (
	DEFAULT_CONFIG_PATH = filepath.Join(os.Getenv("ProgramData"), "matrix-runner", "matrix-runner.conf")
	DEFAULT_WORK_DIR    = filepath.Join(os.Getenv("LocalAppData"), "matrix-runner")
	DEFAULT_CACHE_DIR   = filepath.Join(os.Getenv("LocalAppData"), "matrix-runner", "cache")
)
