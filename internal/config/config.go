package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/reconquest/karma-go"
	"gopkg.in/yaml.v3"
)

const DEFAULT_FILENAME = ".travis.yml"

type Phase string

const (
	PHASE_BEFORE_INSTALL Phase = "before_install"
	PHASE_INSTALL        Phase = "install"
	PHASE_BEFORE_SCRIPT  Phase = "before_script"
	PHASE_SCRIPT         Phase = "script"
	PHASE_AFTER_SUCCESS  Phase = "after_success"
	PHASE_AFTER_FAILURE  Phase = "after_failure"
	PHASE_BEFORE_CACHE   Phase = "before_cache"
	PHASE_AFTER_SCRIPT   Phase = "after_script"
)

// PhaseOrder lists phases in the order they are declared by users, not
// in the order they are executed.
var PhaseOrder = []Phase{
	PHASE_BEFORE_INSTALL,
	PHASE_INSTALL,
	PHASE_BEFORE_SCRIPT,
	PHASE_SCRIPT,
	PHASE_AFTER_SUCCESS,
	PHASE_AFTER_FAILURE,
	PHASE_BEFORE_CACHE,
	PHASE_AFTER_SCRIPT,
}

func isPhase(key string) bool {
	for _, phase := range PhaseOrder {
		if string(phase) == key {
			return true
		}
	}
	return false
}

// Phases maps a phase to its commands. A phase which is present with no
// commands was explicitly emptied and overrides an inherited one.
type Phases map[Phase][]string

func (phases Phases) Has(phase Phase) bool {
	_, ok := phases[phase]
	return ok
}

// Merge returns phases of base overridden by phases present in override.
func (phases Phases) Merge(override Phases) Phases {
	result := Phases{}
	for phase, commands := range phases {
		result[phase] = commands
	}
	for phase, commands := range override {
		result[phase] = commands
	}
	return result
}

type Addons struct {
	// Databases maps an addon name to a requested version, e.g.
	// postgresql: "9.4".
	Databases map[string]string

	// Unsupported lists addons which are accepted but ignored.
	Unsupported []string
}

var databaseAddons = map[string]struct{}{
	"postgresql": {},
	"mariadb":    {},
}

type Cache struct {
	Disabled    bool
	Directories []string
	Exclude     []string
}

type Matrix struct {
	Include       []JobSpec
	Exclude       []JobSpec
	AllowFailures []JobSpec
	FastFinish    bool
}

// JobSpec is an entry of matrix.include, matrix.exclude or
// matrix.allow_failures. Nil fields are not set and are inherited from the
// top level.
type JobSpec struct {
	Name     string
	Language string

	// Versions maps a version key (python, node_js...) to a version.
	Versions map[string]string

	Env      []EnvEntry
	Addons   *Addons
	Services []string
	Cache    *Cache
	Phases   Phases
}

type Pipeline struct {
	Language string

	// Versions maps a version key (python, node_js...) to the list of
	// versions, each one produces a matrix row.
	Versions map[string][]string

	Env           Env
	Addons        Addons
	Services      []string
	Cache         Cache
	Phases        Phases
	Matrix        Matrix
	Notifications Notifications

	// Ignored lists known keys which make no sense for a local run.
	Ignored []string
	Unknown []string
}

var ignoredKeys = map[string]struct{}{
	"dist":          {},
	"sudo":          {},
	"os":            {},
	"group":         {},
	"branches":      {},
	"git":           {},
	"stages":        {},
	"deploy":        {},
	"before_deploy": {},
	"after_deploy":  {},
	"osx_image":     {},
	"version":       {},
	"import":        {},
}

func Load(path string) (Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, karma.Format(err, "unable to read file: %s", path)
	}

	pipeline, err := Unmarshal(data)
	if err != nil {
		return pipeline, karma.Format(err, "unable to parse file: %s", path)
	}

	return pipeline, nil
}

func Unmarshal(data []byte) (Pipeline, error) {
	config := Pipeline{
		Versions: map[string][]string{},
		Phases:   Phases{},
	}

	var root yaml.Node
	err := yaml.Unmarshal(data, &root)
	if err != nil {
		return config, err
	}

	if len(root.Content) == 0 {
		return config, errors.New("empty document")
	}

	pairs, err := mapping(&root)
	if err != nil {
		return config, err
	}

	for _, pair := range pairs {
		key, node := pair[0].Value, pair[1]

		err := config.decodeField(key, node)
		if err != nil {
			return config, karma.Format(err, "invalid yaml field: '%s'", key)
		}
	}

	if config.Language == "" {
		config.Language = DEFAULT_LANGUAGE
	}

	sort.Strings(config.Ignored)
	sort.Strings(config.Unknown)

	return config, nil
}

func (config *Pipeline) decodeField(key string, node *yaml.Node) error {
	var err error

	switch {
	case key == "language":
		config.Language, err = decodeString(node)

	case key == "env":
		config.Env, err = decodeEnv(node)

	case key == "addons":
		config.Addons, err = decodeAddons(node)

	case key == "services":
		config.Services, err = decodeStrings(node)

	case key == "cache":
		config.Cache, err = decodeCache(node)

	case key == "matrix" || key == "jobs":
		config.Matrix, err = decodeMatrix(node)

	case key == "notifications":
		config.Notifications, err = decodeNotifications(node)

	case isPhase(key):
		config.Phases[Phase(key)], err = decodeCommands(node)

	case isVersionKey(key):
		config.Versions[key], err = decodeStrings(node)

	default:
		if _, ok := ignoredKeys[key]; ok {
			config.Ignored = append(config.Ignored, key)
		} else {
			config.Unknown = append(config.Unknown, key)
		}
	}

	return err
}

func isVersionKey(key string) bool {
	_, ok := languageByVersionKey(key)
	return ok
}

func decodeAddons(node *yaml.Node) (Addons, error) {
	addons := Addons{Databases: map[string]string{}}

	pairs, err := mapping(node)
	if err != nil {
		return addons, err
	}

	for _, pair := range pairs {
		name, value := pair[0].Value, pair[1]

		if _, ok := databaseAddons[name]; ok {
			version, err := decodeString(value)
			if err != nil {
				return addons, karma.Format(err, "invalid addon: '%s'", name)
			}

			addons.Databases[name] = version
			continue
		}

		addons.Unsupported = append(addons.Unsupported, name)
	}

	return addons, nil
}

func decodeCache(node *yaml.Node) (Cache, error) {
	var cache Cache

	switch node.Kind {
	case yaml.ScalarNode:
		if enabled, err := decodeBool(node); err == nil {
			cache.Disabled = !enabled
			return cache, nil
		}

		return cache, cache.addShortcut(node.Value)

	case yaml.SequenceNode:
		names, err := decodeStrings(node)
		if err != nil {
			return cache, err
		}

		for _, name := range names {
			err := cache.addShortcut(name)
			if err != nil {
				return cache, err
			}
		}

		return cache, nil
	}

	pairs, err := mapping(node)
	if err != nil {
		return cache, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch key {
		case "directories":
			dirs, err := decodeStrings(value)
			if err != nil {
				return cache, karma.Format(err, "invalid cache field: 'directories'")
			}

			cache.Directories = append(cache.Directories, dirs...)

		case "exclude":
			cache.Exclude, err = decodeStrings(value)
			if err != nil {
				return cache, karma.Format(err, "invalid cache field: 'exclude'")
			}

		default:
			enabled, err := decodeBool(value)
			if err != nil {
				return cache, karma.Format(err, "invalid cache field: '%s'", key)
			}

			if enabled {
				err := cache.addShortcut(key)
				if err != nil {
					return cache, err
				}
			}
		}
	}

	return cache, nil
}

func (cache *Cache) addShortcut(name string) error {
	dirs, ok := CacheShortcut(name)
	if !ok {
		return fmt.Errorf("unknown cache shortcut: %q", name)
	}

	cache.Directories = append(cache.Directories, dirs...)

	return nil
}

func decodeMatrix(node *yaml.Node) (Matrix, error) {
	var matrix Matrix

	pairs, err := mapping(node)
	if err != nil {
		return matrix, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch key {
		case "include":
			matrix.Include, err = decodeJobSpecs(value)
		case "exclude":
			matrix.Exclude, err = decodeJobSpecs(value)
		case "allow_failures":
			matrix.AllowFailures, err = decodeJobSpecs(value)
		case "fast_finish":
			matrix.FastFinish, err = decodeBool(value)
		default:
			err = errors.New("unexpected field")
		}

		if err != nil {
			return matrix, karma.Format(err, "invalid matrix field: '%s'", key)
		}
	}

	return matrix, nil
}

func decodeJobSpecs(node *yaml.Node) ([]JobSpec, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, unexpectedNode(node, "a list of jobs")
	}

	specs := []JobSpec{}
	for index, item := range node.Content {
		spec, err := decodeJobSpec(item)
		if err != nil {
			return nil, karma.Format(err, "invalid job #%d", index+1)
		}

		specs = append(specs, spec)
	}

	return specs, nil
}

func decodeJobSpec(node *yaml.Node) (JobSpec, error) {
	spec := JobSpec{
		Versions: map[string]string{},
		Phases:   Phases{},
	}

	pairs, err := mapping(node)
	if err != nil {
		return spec, err
	}

	for _, pair := range pairs {
		key, value := pair[0].Value, pair[1]

		switch {
		case key == "name":
			spec.Name, err = decodeString(value)

		case key == "language":
			spec.Language, err = decodeString(value)

		case key == "env":
			spec.Env, err = decodeEnvEntries(value)

		case key == "addons":
			var addons Addons
			addons, err = decodeAddons(value)
			spec.Addons = &addons

		case key == "services":
			spec.Services, err = decodeStrings(value)

		case key == "cache":
			var cache Cache
			cache, err = decodeCache(value)
			spec.Cache = &cache

		case isPhase(key):
			spec.Phases[Phase(key)], err = decodeCommands(value)

		case isVersionKey(key):
			spec.Versions[key], err = decodeString(value)

		default:
			if _, ok := ignoredKeys[key]; ok {
				continue
			}

			// travis allows job level keys such as stage or dist, they have
			// no meaning here
			if key == "stage" || key == "if" {
				continue
			}

			err = errors.New("unexpected field")
		}

		if err != nil {
			return spec, karma.Format(err, "invalid job field: '%s'", key)
		}
	}

	return spec, nil
}
