package masker

import (
	"io"
	"sort"
	"strings"

	"github.com/reconquest/matrix-runner/internal/env"
)

type Masker interface {
	Mask(string) string
}

var _ Masker = (*Writer)(nil)

// Writer replaces values of secret variables with asterisks before passing
// data to the destination. Multi-line values are masked line by line, so
// the writer is expected to receive whole lines.
type Writer struct {
	replacer *strings.Replacer
	dst      io.Writer
}

func NewWriter(env *env.Env, secrets []string, dst io.Writer) *Writer {
	return &Writer{
		replacer: newReplacer(env, secrets),
		dst:      dst,
	}
}

func newReplacer(env *env.Env, secrets []string) *strings.Replacer {
	seen := map[string]struct{}{}
	old := []string{}
	for _, secret := range secrets {
		value, ok := env.Get(secret)
		if !ok {
			continue
		}

		for _, line := range strings.Split(value, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if _, ok := seen[line]; ok {
				continue
			}

			seen[line] = struct{}{}
			old = append(old, line)
		}
	}

	if len(old) == 0 {
		return nil
	}

	// longest first, otherwise a shorter secret being a part of a longer
	// one breaks masking of the longer one
	sort.SliceStable(old, func(i, j int) bool {
		return len(old[i]) > len(old[j])
	})

	oldnew := make([]string, len(old)*2)
	for i, item := range old {
		oldnew[i*2] = item
		oldnew[i*2+1] = strings.Repeat("*", len(item))
	}

	return strings.NewReplacer(oldnew...)
}

func (masker *Writer) Mask(buf string) string {
	if masker.replacer == nil {
		return buf
	}

	return masker.replacer.Replace(buf)
}

func (masker *Writer) Write(buf []byte) (int, error) {
	if masker.replacer == nil {
		return masker.dst.Write(buf)
	}

	_, err := masker.replacer.WriteString(masker.dst, string(buf))
	if err != nil {
		return 0, err
	}

	return len(buf), nil
}

func (masker *Writer) Close() error {
	if closer, ok := masker.dst.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}
