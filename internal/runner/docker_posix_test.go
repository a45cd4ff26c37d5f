// +build !windows

package runner

import (
	"io/ioutil"
	"strings"
	"testing"

	"github.com/alecthomas/assert"
)

func TestIsDocker(t *testing.T) {
	test := assert.New(t)

	contents, err := ioutil.ReadFile("/proc/1/cgroup")
	if err != nil {
		test.False(IsDocker())
		return
	}

	test.Equal(strings.Contains(string(contents), "/docker/"), IsDocker())
}
