// +build windows

package runner

func IsDocker() bool {
	return false
}
