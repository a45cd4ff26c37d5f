package job

import (
	"io"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/audit"
	"github.com/reconquest/matrix-runner/internal/cache"
)

// copyDir copies the directory tree preserving modes and symlinks, it reuses
// the cache archive format as a transport.
func copyDir(src string, dst string) error {
	reader, writer := io.Pipe()

	go func() {
		defer audit.Go("copy", src)()

		writer.CloseWithError(cache.Archive(writer, []string{src}, nil))
	}()

	err := cache.Extract(reader, []string{dst})
	if err != nil {
		reader.CloseWithError(err)
		return karma.Format(err, "unable to copy %s to %s", src, dst)
	}

	// the archive trailer is not read by gzip reader
	_, _ = io.Copy(io.Discard, reader)

	return nil
}
