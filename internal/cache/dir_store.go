package cache

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/reconquest/karma-go"
)

// DirStore keeps archives as files in a local directory.
type DirStore struct {
	dir string
}

func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

func (store *DirStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid cache key: %q", key)
	}

	return filepath.Join(store.dir, filepath.FromSlash(key)), nil
}

func (store *DirStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := store.path(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}

		return nil, karma.Format(err, "unable to open cache archive: %s", path)
	}

	return file, nil
}

func (store *DirStore) Put(ctx context.Context, key string, source io.Reader) error {
	path, err := store.path(key)
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), 0700)
	if err != nil {
		return karma.Format(err, "unable to create cache directory")
	}

	// concurrent readers never see a partially written archive
	temp, err := ioutil.TempFile(filepath.Dir(path), ".upload-*")
	if err != nil {
		return karma.Format(err, "unable to create temporary file")
	}

	defer os.Remove(temp.Name())

	_, err = io.Copy(temp, source)
	if err != nil {
		temp.Close()
		return karma.Format(err, "unable to write cache archive")
	}

	err = temp.Close()
	if err != nil {
		return karma.Format(err, "unable to close cache archive")
	}

	err = os.Rename(temp.Name(), path)
	if err != nil {
		return karma.Format(err, "unable to move cache archive to %s", path)
	}

	return nil
}

func (store *DirStore) Delete(ctx context.Context, key string) error {
	path, err := store.path(key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}

		return karma.Format(err, "unable to remove cache archive: %s", path)
	}

	return nil
}

func (store *DirStore) List(ctx context.Context, prefix string) ([]Entry, error) {
	entries := []Entry{}

	err := filepath.Walk(store.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == store.dir {
				return filepath.SkipDir
			}

			return err
		}

		if info.IsDir() || strings.HasPrefix(info.Name(), ".upload-") {
			return nil
		}

		relative, err := filepath.Rel(store.dir, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(relative)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		entries = append(entries, Entry{
			Key:      key,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})

		return nil
	})
	if err != nil {
		return nil, karma.Format(err, "unable to list cache directory: %s", store.dir)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})

	return entries, nil
}
