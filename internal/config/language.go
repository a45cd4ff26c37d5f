package config

import "sort"

const (
	LANGUAGE_PYTHON  = "python"
	LANGUAGE_NODE_JS = "node_js"
	LANGUAGE_GO      = "go"
	LANGUAGE_RUBY    = "ruby"
	LANGUAGE_GENERIC = "generic"

	DEFAULT_LANGUAGE = LANGUAGE_GENERIC
)

// Language describes how a runtime is selected and provisioned for a given
// value of the top-level language field.
type Language struct {
	Name string

	// VersionKey is the yaml key listing runtime versions, empty for languages
	// without a runtime.
	VersionKey     string
	DefaultVersion string

	// Image is the docker image repository, a version is used as a tag.
	Image string

	// VersionVar is the environment variable exposing the selected version.
	VersionVar string

	// CacheDirs are used for the `cache: <name>` shortcut.
	CacheName string
	CacheDirs []string
}

var languages = map[string]Language{
	LANGUAGE_PYTHON: {
		Name:           LANGUAGE_PYTHON,
		VersionKey:     "python",
		DefaultVersion: "3.6",
		Image:          "python",
		VersionVar:     "TRAVIS_PYTHON_VERSION",
		CacheName:      "pip",
		CacheDirs:      []string{"$HOME/.cache/pip"},
	},
	LANGUAGE_NODE_JS: {
		Name:           LANGUAGE_NODE_JS,
		VersionKey:     "node_js",
		DefaultVersion: "10",
		Image:          "node",
		VersionVar:     "TRAVIS_NODE_VERSION",
		CacheName:      "npm",
		CacheDirs:      []string{"$HOME/.npm"},
	},
	LANGUAGE_GO: {
		Name:           LANGUAGE_GO,
		VersionKey:     "go",
		DefaultVersion: "1.13",
		Image:          "golang",
		VersionVar:     "TRAVIS_GO_VERSION",
		CacheName:      "gomod",
		CacheDirs:      []string{"$HOME/go/pkg/mod"},
	},
	LANGUAGE_RUBY: {
		Name:           LANGUAGE_RUBY,
		VersionKey:     "rvm",
		DefaultVersion: "2.6",
		Image:          "ruby",
		VersionVar:     "TRAVIS_RUBY_VERSION",
		CacheName:      "bundler",
		CacheDirs:      []string{"vendor/bundle"},
	},
	LANGUAGE_GENERIC: {
		Name: LANGUAGE_GENERIC,
	},
}

// "minimal" and "shell" are travis aliases of the generic language.
var languageAliases = map[string]string{
	"minimal": LANGUAGE_GENERIC,
	"shell":   LANGUAGE_GENERIC,
	"node":    LANGUAGE_NODE_JS,
	"golang":  LANGUAGE_GO,
}

func GetLanguage(name string) (Language, bool) {
	if alias, ok := languageAliases[name]; ok {
		name = alias
	}

	language, ok := languages[name]
	return language, ok
}

func Languages() []string {
	names := []string{}
	for name := range languages {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// VersionKeys returns every yaml key which can hold runtime versions.
func VersionKeys() []string {
	keys := []string{}
	for _, name := range Languages() {
		if key := languages[name].VersionKey; key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func languageByVersionKey(key string) (Language, bool) {
	for _, language := range languages {
		if language.VersionKey != "" && language.VersionKey == key {
			return language, true
		}
	}
	return Language{}, false
}

// CacheShortcut resolves `cache: pip` style shortcuts.
func CacheShortcut(name string) ([]string, bool) {
	for _, language := range languages {
		if language.CacheName != "" && language.CacheName == name {
			return language.CacheDirs, true
		}
	}
	return nil, false
}
