package executor

import (
	"fmt"
	"sort"
	"strings"
)

// Service is a daemon required by a job, like a database server.
type Service struct {
	Name    string
	Image   string
	Aliases []string
	Env     []string

	// HostVar is the environment variable which holds the service host.
	HostVar string
}

func (service Service) String() string {
	return fmt.Sprintf("%s (%s)", service.Name, service.Image)
}

type serviceSpec struct {
	image   string
	version string
	aliases []string
	env     []string
	hostVar string
}

var knownServices = map[string]serviceSpec{
	"postgresql": {
		image:   "postgres",
		version: "9.6",
		aliases: []string{"postgres", "postgresql"},
		env:     []string{"POSTGRES_HOST_AUTH_METHOD=trust"},
		hostVar: "POSTGRES_HOST",
	},
	"mysql": {
		image:   "mysql",
		version: "5.7",
		aliases: []string{"mysql"},
		env:     []string{"MYSQL_ALLOW_EMPTY_PASSWORD=yes"},
		hostVar: "MYSQL_HOST",
	},
	"mariadb": {
		image:   "mariadb",
		version: "10.4",
		aliases: []string{"mariadb", "mysql"},
		env:     []string{"MYSQL_ALLOW_EMPTY_PASSWORD=yes"},
		hostVar: "MARIADB_HOST",
	},
	"elasticsearch": {
		image:   "elasticsearch",
		version: "6.8.23",
		aliases: []string{"elasticsearch"},
		env:     []string{"discovery.type=single-node"},
		hostVar: "ELASTICSEARCH_HOST",
	},
	"redis": {
		image:   "redis",
		version: "5",
		aliases: []string{"redis"},
		hostVar: "REDIS_HOST",
	},
	"redis-server": {
		image:   "redis",
		version: "5",
		aliases: []string{"redis", "redis-server"},
		hostVar: "REDIS_HOST",
	},
	"mongodb": {
		image:   "mongo",
		version: "4.2",
		aliases: []string{"mongodb", "mongo"},
		hostVar: "MONGODB_HOST",
	},
	"rabbitmq": {
		image:   "rabbitmq",
		version: "3",
		aliases: []string{"rabbitmq"},
		hostVar: "RABBITMQ_HOST",
	},
	"memcached": {
		image:   "memcached",
		version: "1.5",
		aliases: []string{"memcached"},
		hostVar: "MEMCACHED_HOST",
	},
}

func KnownServices() []string {
	names := []string{}
	for name := range knownServices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveServices returns services for names listed in the services section
// and for databases with versions specified in addons. Images may override
// the image repository (name → image) or the full image reference
// (name → image:tag).
func ResolveServices(
	names []string,
	databases map[string]string,
	images map[string]string,
) ([]Service, error) {
	versions := map[string]string{}
	for _, name := range names {
		versions[name] = ""
	}

	for name, version := range databases {
		versions[name] = version
	}

	ordered := []string{}
	for name := range versions {
		ordered = append(ordered, name)
	}

	sort.Strings(ordered)

	services := []Service{}
	for _, name := range ordered {
		spec, ok := knownServices[name]
		if !ok {
			return nil, fmt.Errorf(
				"unknown service: %q, known are: %s",
				name, strings.Join(KnownServices(), ", "),
			)
		}

		version := versions[name]
		if version == "" {
			version = spec.version
		}

		image := spec.image + ":" + version
		if override, ok := images[name]; ok && override != "" {
			if strings.Contains(override, ":") {
				image = override
			} else {
				image = override + ":" + version
			}
		}

		services = append(services, Service{
			Name:    name,
			Image:   image,
			Aliases: spec.aliases,
			Env:     spec.env,
			HostVar: spec.hostVar,
		})
	}

	return services, nil
}
