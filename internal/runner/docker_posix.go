// +build !windows

package runner

import (
	"io/ioutil"
	"strings"

	"github.com/reconquest/karma-go"
	"github.com/reconquest/pkg/log"
)

// IsDocker reports whether the runner itself runs in a container, bind
// mounts of job containers are resolved by the docker host then.
func IsDocker() bool {
	contents, err := ioutil.ReadFile("/proc/1/cgroup")
	if err != nil {
		log.Tracef(karma.Describe("error", err), "unable to read /proc/1/cgroup to determine "+
			"is it docker container or not")
		return false
	}

	// 11:pids:/docker/14f3db3a669169c0b801a3ac99...
	return strings.Contains(string(contents), "/docker/")
}
