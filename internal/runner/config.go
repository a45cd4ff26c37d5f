package runner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/kovetskiy/ko"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/history"
	"github.com/reconquest/matrix-runner/internal/mapslice"
	"github.com/reconquest/matrix-runner/internal/set"
	"github.com/reconquest/pkg/log"
)

const (
	RUNNER_MODE_DOCKER = `docker`
	RUNNER_MODE_SHELL  = `shell`

	CACHE_STORE_DIR = `dir`
	CACHE_STORE_S3  = `s3`

	DEFAULT_IMAGE = "ubuntu:18.04"
)

var (
	modes       = set.NewStringSet(RUNNER_MODE_DOCKER, RUNNER_MODE_SHELL)
	cacheStores = set.NewStringSet(CACHE_STORE_DIR, CACHE_STORE_S3)
	drivers     = set.NewStringSet(
		string(history.DRIVER_SQLITE),
		string(history.DRIVER_POSTGRES),
	)
)

type Config struct {
	Log struct {
		Debug bool `yaml:"debug" env:"MATRIX_LOG_DEBUG"`
		Trace bool `yaml:"trace" env:"MATRIX_LOG_TRACE"`
	} `yaml:"log"`

	Name            string `yaml:"name"              env:"MATRIX_NAME"`
	Mode            string `yaml:"mode"              env:"MATRIX_MODE"              default:"docker" required:"true"`
	MaxParallelJobs int64  `yaml:"max_parallel_jobs" env:"MATRIX_MAX_PARALLEL_JOBS" default:"0"`
	WorkDir         string `yaml:"work_dir"          env:"MATRIX_WORK_DIR"`
	LogsDir         string `yaml:"logs_dir"          env:"MATRIX_LOGS_DIR"`

	// JobTimeout limits duration of every job, zero means no limit.
	JobTimeout time.Duration `yaml:"job_timeout" env:"MATRIX_JOB_TIMEOUT" default:"0"`

	// Env holds secret variables which are not stored in the build
	// definition. Values are masked in job logs.
	Env map[string]string `yaml:"env"`

	// EnvMask lists names of additional variables which values are masked
	// in job logs.
	EnvMask []string `yaml:"env_mask" env:"MATRIX_ENV_MASK"`

	Docker struct {
		Network string   `yaml:"network" env:"MATRIX_DOCKER_NETWORK"`
		Volumes []string `yaml:"volumes" env:"MATRIX_DOCKER_VOLUMES"`
		Home    string   `yaml:"home"    env:"MATRIX_DOCKER_HOME"    default:"/root"`

		// DefaultImage is used by languages without a runtime.
		DefaultImage string `yaml:"default_image" env:"MATRIX_DOCKER_DEFAULT_IMAGE" default:"ubuntu:18.04"`

		// Images override image repositories per language, a version is
		// used as a tag.
		Images map[string]string `yaml:"images"`

		// Services override images of services per service name.
		Services map[string]string `yaml:"services"`

		// We also read MATRIX_DOCKER_AUTH_CONFIG but we do it manually to avoid
		// unmarshalling JSON as map
		AuthConfigJSON string `yaml:"auth_config"`

		auths executor.DockerAuths
	} `yaml:"docker"`

	Cache struct {
		Disabled bool   `yaml:"disabled" env:"MATRIX_CACHE_DISABLED"`
		Store    string `yaml:"store"    env:"MATRIX_CACHE_STORE"    default:"dir"`
		Dir      string `yaml:"dir"      env:"MATRIX_CACHE_DIR"`

		S3 struct {
			Bucket   string `yaml:"bucket"   env:"MATRIX_CACHE_S3_BUCKET"`
			Prefix   string `yaml:"prefix"   env:"MATRIX_CACHE_S3_PREFIX"`
			Region   string `yaml:"region"   env:"MATRIX_CACHE_S3_REGION"`
			Endpoint string `yaml:"endpoint" env:"MATRIX_CACHE_S3_ENDPOINT"`
		} `yaml:"s3"`
	} `yaml:"cache"`

	History struct {
		Disabled bool   `yaml:"disabled" env:"MATRIX_HISTORY_DISABLED"`
		Driver   string `yaml:"driver"   env:"MATRIX_HISTORY_DRIVER"   default:"sqlite3"`
		DSN      string `yaml:"dsn"      env:"MATRIX_HISTORY_DSN"`
	} `yaml:"history"`

	Notifications struct {
		Disabled bool `yaml:"disabled" env:"MATRIX_NOTIFICATIONS_DISABLED"`

		// SlackWebhook replaces slack rooms of the build definition, useful
		// for testing notifications.
		SlackWebhook string `yaml:"slack_webhook" env:"MATRIX_SLACK_WEBHOOK"`

		RetryMax int `yaml:"retry_max" env:"MATRIX_NOTIFICATIONS_RETRY_MAX" default:"3"`
	} `yaml:"notifications"`
}

func (config *Config) GetDockerAuthConfig() executor.Auths {
	return config.Docker.auths.Auths
}

// GetSecrets returns secret variables sorted by name.
func (config *Config) GetSecrets() *mapslice.MapSlice {
	keys := make([]string, 0, len(config.Env))
	for key := range config.Env {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	secrets := &mapslice.MapSlice{}
	for _, key := range keys {
		secrets.Append(key, config.Env[key])
	}

	return secrets
}

// GetImage returns the docker image for the language runtime.
func (config *Config) GetImage(language string, repository string, version string) string {
	if override, ok := config.Docker.Images[language]; ok && override != "" {
		repository = override
	}

	if repository == "" {
		return config.Docker.DefaultImage
	}

	if version == "" {
		return repository
	}

	return repository + ":" + version
}

// GetMask returns names of variables which values must never appear in job
// logs.
func (config *Config) GetMask() []string {
	names := append([]string{}, config.EnvMask...)
	for _, pair := range config.GetSecrets().Pairs() {
		names = append(names, pair.Key)
	}

	return names
}

func LoadConfig(path string) (*Config, error) {
	log.Debugf(karma.Describe("path", path), "loading configuration")

	var config Config
	err := ko.Load(path, &config, yaml.Unmarshal, ko.RequireFile(false))
	if err != nil {
		return nil, err
	}

	err = config.init()
	if err != nil {
		return nil, err
	}

	return &config, nil
}

func (config *Config) init() error {
	var err error

	if !modes.Has(config.Mode) {
		return karma.Format(
			nil,
			"unknown mode specified: %q; known are: %v",
			config.Mode, modes.List(),
		)
	}

	if config.Mode == RUNNER_MODE_SHELL {
		log.Warning(
			"Shell mode specified, all commands will be " +
				"executed on the local host with current process permissions",
		)
	}

	if config.Mode == RUNNER_MODE_DOCKER && IsDocker() {
		log.Warningf(
			nil,
			"matrix-runner is running inside a container, "+
				"work_dir must be available on the docker host at the same path",
		)
	}

	if config.MaxParallelJobs <= 0 {
		config.MaxParallelJobs = int64(runtime.NumCPU())

		log.Debugf(
			nil,
			"max_parallel_jobs is not specified, "+
				"number of CPU will be used instead: %d",
			config.MaxParallelJobs,
		)
	}

	if config.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return karma.Format(err, "unable to obtain hostname")
		}

		config.Name = hostname
	}

	if config.WorkDir == "" {
		config.WorkDir = DEFAULT_WORK_DIR
	}

	config.WorkDir, err = absolute(config.WorkDir)
	if err != nil {
		return err
	}

	if config.LogsDir == "" {
		config.LogsDir = filepath.Join(config.WorkDir, "logs")
	}

	config.LogsDir, err = absolute(config.LogsDir)
	if err != nil {
		return err
	}

	if config.Docker.DefaultImage == "" {
		config.Docker.DefaultImage = DEFAULT_IMAGE
	}

	if !cacheStores.Has(config.Cache.Store) {
		return karma.Format(
			nil,
			"unknown cache store specified: %q; known are: %v",
			config.Cache.Store, cacheStores.List(),
		)
	}

	if config.Cache.Store == CACHE_STORE_S3 && config.Cache.S3.Bucket == "" {
		return karma.Format(nil, "cache.s3.bucket must be specified for s3 cache store")
	}

	if config.Cache.Dir == "" {
		config.Cache.Dir = DEFAULT_CACHE_DIR
	}

	config.Cache.Dir, err = absolute(config.Cache.Dir)
	if err != nil {
		return err
	}

	if !drivers.Has(config.History.Driver) {
		return karma.Format(
			nil,
			"unknown history driver specified: %q; known are: %v",
			config.History.Driver, drivers.List(),
		)
	}

	if config.History.DSN == "" {
		if config.History.Driver != string(history.DRIVER_SQLITE) {
			return karma.Format(
				nil,
				"history.dsn must be specified for %s driver",
				config.History.Driver,
			)
		}

		config.History.DSN = filepath.Join(config.WorkDir, "history.db")
	}

	var asEnv bool
	if config.Docker.AuthConfigJSON == "" {
		asEnv = true
		config.Docker.AuthConfigJSON = os.Getenv("MATRIX_DOCKER_AUTH_CONFIG")
	}

	if config.Docker.AuthConfigJSON != "" {
		if err := json.Unmarshal(
			[]byte(config.Docker.AuthConfigJSON), &config.Docker.auths,
		); err != nil {
			var origin string
			if asEnv {
				origin = "the MATRIX_DOCKER_AUTH_CONFIG environment variable"
			} else {
				origin = "the docker.auth_config config parameter"
			}

			return karma.Format(
				err,
				"unable to decode JSON in the docker auth config specified as %s",
				origin,
			)
		}
	}

	return nil
}

func absolute(path string) (string, error) {
	if len(path) > 1 && path[0] == '~' && (path[1] == '/' || path[1] == '\\') {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", karma.Format(err, "unable to get home directory")
		}

		path = filepath.Join(home, path[2:])
	}

	if filepath.IsAbs(path) {
		return path, nil
	}

	result, err := filepath.Abs(path)
	if err != nil {
		return "", karma.Format(err, "unable to get absolute path of %q", path)
	}

	return result, nil
}
