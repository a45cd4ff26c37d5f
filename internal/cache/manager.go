package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"github.com/reconquest/pkg/log"
)

const (
	KEY_PREFIX = "cache-"
	EXTENSION  = ".tar.gz"
)

type keySource struct {
	Language string
	Version  string
	Env      []string
}

// Key returns a cache key unique for the runtime and the job level env, so
// different jobs of a matrix don't share caches while reruns of the same job
// do.
func Key(language string, version string, env *mapslice.MapSlice) (string, error) {
	hash, err := hashstructure.Hash(
		keySource{
			Language: language,
			Version:  version,
			Env:      env.Strings(),
		},
		hashstructure.FormatV2,
		nil,
	)
	if err != nil {
		return "", karma.Format(err, "unable to hash cache key")
	}

	key := KEY_PREFIX + language
	if version != "" {
		key += "-" + version
	}

	return fmt.Sprintf("%s-%016x", sanitize(key), hash), nil
}

func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '.', r == '_':
			return r
		}
		return '_'
	}, key)
}

// Manager restores and stores cached directories of jobs. Archives of
// different repositories are kept apart by the namespace.
type Manager struct {
	store     Store
	namespace string

	mutex   sync.Mutex
	digests map[string]string
}

func NewManager(store Store, namespace string) *Manager {
	return &Manager{
		store:     store,
		namespace: strings.Trim(namespace, "/"),
		digests:   map[string]string{},
	}
}

func (manager *Manager) path(key string) string {
	if manager.namespace == "" {
		return key + EXTENSION
	}

	return manager.namespace + "/" + key + EXTENSION
}

// Restore downloads the archive and extracts it into given directories. It
// returns false if there is no archive yet.
func (manager *Manager) Restore(ctx context.Context, key string, dirs []string) (bool, error) {
	reader, err := manager.store.Get(ctx, manager.path(key))
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}

		return false, err
	}

	defer reader.Close()

	hasher := sha256.New()

	err = Extract(io.TeeReader(reader, hasher), dirs)
	if err != nil {
		return false, karma.Format(err, "unable to extract cache %s", key)
	}

	// gzip reader may stop before the end of stream
	_, _ = io.Copy(hasher, reader)

	manager.mutex.Lock()
	manager.digests[key] = hex.EncodeToString(hasher.Sum(nil))
	manager.mutex.Unlock()

	return true, nil
}

// Store archives directories and uploads the archive unless it is the same
// as restored one. It returns true if the archive was uploaded.
func (manager *Manager) Store(
	ctx context.Context,
	key string,
	dirs []string,
	exclude []string,
) (bool, error) {
	temp, err := ioutil.TempFile("", "matrix-runner-cache-*"+EXTENSION)
	if err != nil {
		return false, karma.Format(err, "unable to create temporary file")
	}

	defer func() {
		temp.Close()
		os.Remove(temp.Name())
	}()

	hasher := sha256.New()

	err = Archive(io.MultiWriter(temp, hasher), dirs, exclude)
	if err != nil {
		return false, err
	}

	digest := hex.EncodeToString(hasher.Sum(nil))

	manager.mutex.Lock()
	restored := manager.digests[key]
	manager.mutex.Unlock()

	if digest == restored {
		log.Debugf(
			karma.Describe("key", key).Describe("digest", digest),
			"cache is not changed, skipping upload",
		)
		return false, nil
	}

	_, err = temp.Seek(0, io.SeekStart)
	if err != nil {
		return false, karma.Format(err, "unable to rewind cache archive")
	}

	err = manager.store.Put(ctx, manager.path(key), temp)
	if err != nil {
		return false, karma.Format(err, "unable to upload cache %s", key)
	}

	manager.mutex.Lock()
	manager.digests[key] = digest
	manager.mutex.Unlock()

	return true, nil
}

// List returns archives of the namespace with keys stripped of the namespace
// and the extension.
func (manager *Manager) List(ctx context.Context) ([]Entry, error) {
	prefix := ""
	if manager.namespace != "" {
		prefix = manager.namespace + "/"
	}

	entries, err := manager.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	result := []Entry{}
	for _, entry := range entries {
		key := strings.TrimPrefix(entry.Key, prefix)
		if strings.Contains(key, "/") || !strings.HasSuffix(key, EXTENSION) {
			continue
		}

		entry.Key = strings.TrimSuffix(key, EXTENSION)
		result = append(result, entry)
	}

	return result, nil
}

func (manager *Manager) Delete(ctx context.Context, key string) error {
	err := manager.store.Delete(ctx, manager.path(key))
	if err != nil {
		if err == ErrNotFound {
			return karma.Format(err, "no such cache: %s", key)
		}

		return err
	}

	manager.mutex.Lock()
	delete(manager.digests, key)
	manager.mutex.Unlock()

	return nil
}
