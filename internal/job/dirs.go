package job

import (
	"errors"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/executor"
)

// cacheDir is a cached directory as seen on the host, where archives are
// extracted and collected, and inside the box.
type cacheDir struct {
	Host string
	Box  string
}

type dirLayout struct {
	// Home is the home directory inside the box.
	Home string

	HostBuildDir string
	BoxBuildDir  string

	// Staging is the host directory holding directories which live outside
	// of the build directory, empty if the box shares the host file system.
	Staging string
}

// resolveCacheDirs maps cache directories of the build definition to host
// and box paths. Variables are looked up by the given function, HOME is
// always the home of the box. Directories which resolve to the root, to the
// build directory or to its parent, or leave the build directory are
// rejected.
func (layout dirLayout) resolveCacheDirs(
	dirs []string,
	lookup func(string) (string, bool),
) ([]cacheDir, error) {
	expand := func(dir string) string {
		if dir == "~" || strings.HasPrefix(dir, "~/") {
			dir = "$HOME" + dir[1:]
		}

		return os.Expand(dir, func(name string) string {
			if name == "HOME" {
				return layout.Home
			}

			value, _ := lookup(name)
			return value
		})
	}

	result := []cacheDir{}
	for index, dir := range dirs {
		expanded := path.Clean(expand(dir))

		err := layout.checkCacheDir(expanded)
		if err != nil {
			return nil, karma.
				Describe("dir", dir).
				Describe("expanded", expanded).
				Format(err, "unable to cache directory %s", dir)
		}

		switch {
		case !path.IsAbs(expanded):
			result = append(result, cacheDir{
				Host: filepath.Join(layout.HostBuildDir, filepath.FromSlash(expanded)),
				Box:  path.Join(layout.BoxBuildDir, expanded),
			})

		case layout.Staging != "":
			result = append(result, cacheDir{
				Host: filepath.Join(layout.Staging, strconv.Itoa(index)),
				Box:  expanded,
			})

		default:
			result = append(result, cacheDir{
				Host: filepath.FromSlash(expanded),
				Box:  expanded,
			})
		}
	}

	return result, nil
}

func (layout dirLayout) checkCacheDir(dir string) error {
	switch {
	case dir == "/":
		return errors.New("caching the root directory is not allowed")

	case dir == ".":
		return errors.New("caching the whole build directory is not allowed")

	case dir == ".." || strings.HasPrefix(dir, "../"):
		return errors.New("relative path leaves the build directory")

	case path.IsAbs(dir) && strings.HasPrefix(layout.BoxBuildDir+"/", dir+"/"):
		return errors.New("the directory contains the build directory")
	}

	return nil
}

// volumes returns bind mounts of cache directories which are not in the
// build directory.
func (layout dirLayout) volumes(dirs []cacheDir) []executor.Volume {
	volumes := []executor.Volume{}
	if layout.Staging == "" {
		return volumes
	}

	for _, dir := range dirs {
		if strings.HasPrefix(dir.Host, layout.Staging+string(filepath.Separator)) {
			volumes = append(volumes, executor.Volume(dir.Host+":"+dir.Box))
		}
	}

	return volumes
}

func hostDirs(dirs []cacheDir) []string {
	result := make([]string, len(dirs))
	for i, dir := range dirs {
		result[i] = dir.Host
	}

	return result
}
