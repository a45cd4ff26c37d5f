package cache

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v2"
	"github.com/reconquest/karma-go"
)

// Archive writes a gzipped tarball of given directories. Entries of the n-th
// directory are stored under the "n/" prefix. Files matching any of exclude
// patterns (relative to the cached directory) are skipped. Missing
// directories are skipped too.
//
// The output is reproducible: the same content with the same modification
// times produces the same bytes.
func Archive(dst io.Writer, dirs []string, exclude []string) error {
	compressor := gzip.NewWriter(dst)
	archive := tar.NewWriter(compressor)

	for index, dir := range dirs {
		err := archiveDir(archive, strconv.Itoa(index), dir, exclude)
		if err != nil {
			return karma.Format(err, "unable to archive directory: %s", dir)
		}
	}

	err := archive.Close()
	if err != nil {
		return karma.Format(err, "unable to finalize tar archive")
	}

	err = compressor.Close()
	if err != nil {
		return karma.Format(err, "unable to finalize gzip stream")
	}

	return nil
}

func archiveDir(archive *tar.Writer, prefix string, dir string, exclude []string) error {
	_, err := os.Lstat(dir)
	if os.IsNotExist(err) {
		return nil
	}

	return filepath.Walk(dir, func(file string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relative, err := filepath.Rel(dir, file)
		if err != nil {
			return err
		}

		relative = filepath.ToSlash(relative)

		if relative != "." && excluded(relative, exclude) {
			if info.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		header := &tar.Header{
			Name:    path.Join(prefix, relative),
			Mode:    int64(info.Mode().Perm()),
			ModTime: info.ModTime().Truncate(time.Second),
			Format:  tar.FormatPAX,
		}

		switch {
		case info.IsDir():
			header.Typeflag = tar.TypeDir
			header.Name += "/"

		case info.Mode()&os.ModeSymlink != 0:
			header.Typeflag = tar.TypeSymlink
			// times of symlinks can't be restored portably
			header.ModTime = time.Unix(0, 0)
			header.Linkname, err = os.Readlink(file)
			if err != nil {
				return err
			}

		case info.Mode().IsRegular():
			header.Typeflag = tar.TypeReg
			header.Size = info.Size()

		default:
			// sockets, devices and pipes can't be cached
			return nil
		}

		err = archive.WriteHeader(header)
		if err != nil {
			return err
		}

		if header.Typeflag != tar.TypeReg {
			return nil
		}

		source, err := os.Open(file)
		if err != nil {
			return err
		}

		defer source.Close()

		_, err = io.CopyN(archive, source, header.Size)
		return err
	})
}

func excluded(relative string, patterns []string) bool {
	for _, pattern := range patterns {
		matched, err := doublestar.Match(pattern, relative)
		if err == nil && matched {
			return true
		}
	}

	return false
}

// Extract unpacks an archive created by Archive into given directories.
func Extract(src io.Reader, dirs []string) error {
	decompressor, err := gzip.NewReader(src)
	if err != nil {
		return karma.Format(err, "unable to read gzip stream")
	}

	defer decompressor.Close()

	archive := tar.NewReader(decompressor)

	type dirTime struct {
		path string
		time time.Time
	}

	times := []dirTime{}

	for {
		header, err := archive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return karma.Format(err, "unable to read tar archive")
		}

		dir, target, err := resolve(header.Name, dirs)
		if err != nil {
			return err
		}

		// a symlink extracted earlier must not redirect later entries
		err = checkSymlinks(dir, target, header.Typeflag == tar.TypeDir)
		if err != nil {
			return err
		}

		mode := os.FileMode(header.Mode).Perm()

		switch header.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(target, 0755)
			if err == nil {
				err = os.Chmod(target, mode)
			}

			times = append(times, dirTime{path: target, time: header.ModTime})

		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(target), 0755)
			if err == nil {
				_ = os.Remove(target)
				err = os.Symlink(header.Linkname, target)
			}

		case tar.TypeReg:
			err = extractFile(archive, target, mode, header.ModTime)

		default:
			continue
		}

		if err != nil {
			return karma.Format(err, "unable to extract %s", header.Name)
		}
	}

	// directory times are changed by files created inside
	for i := len(times) - 1; i >= 0; i-- {
		_ = os.Chtimes(times[i].path, times[i].time, times[i].time)
	}

	return nil
}

func extractFile(src io.Reader, target string, mode os.FileMode, modTime time.Time) error {
	err := os.MkdirAll(filepath.Dir(target), 0755)
	if err != nil {
		return err
	}

	_ = os.Remove(target)

	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(file, src)
	if err != nil {
		file.Close()
		return err
	}

	err = file.Close()
	if err != nil {
		return err
	}

	err = os.Chmod(target, mode)
	if err != nil {
		return err
	}

	return os.Chtimes(target, modTime, modTime)
}

// resolve returns the cached directory the entry belongs to and the path of
// the entry in it.
func resolve(name string, dirs []string) (string, string, error) {
	prefix, relative, _ := strings.Cut(strings.TrimSuffix(name, "/"), "/")

	index, err := strconv.Atoi(prefix)
	if err != nil || index < 0 || index >= len(dirs) {
		return "", "", fmt.Errorf("unexpected archive entry: %q", name)
	}

	dir := dirs[index]

	if relative == "" {
		return dir, dir, nil
	}

	cleaned := path.Clean(relative)
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", "", fmt.Errorf("archive entry leaves the directory: %q", name)
	}

	return dir, filepath.Join(dir, filepath.FromSlash(cleaned)), nil
}

// checkSymlinks fails if any existing path between dir and target is a
// symlink, the target itself is checked only if self is set.
func checkSymlinks(dir string, target string, self bool) error {
	relative, err := filepath.Rel(dir, target)
	if err != nil {
		return err
	}

	if relative == "." {
		return nil
	}

	parts := strings.Split(relative, string(filepath.Separator))
	if !self {
		parts = parts[:len(parts)-1]
	}

	current := dir
	for _, part := range parts {
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return karma.Format(err, "unable to stat %s", current)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("archive entry goes through a symlink: %s", current)
		}
	}

	return nil
}
