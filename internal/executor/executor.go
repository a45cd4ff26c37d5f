package executor

import (
	"context"
	"fmt"
	"io"
)

type ExecutorType string

const (
	EXECUTOR_DOCKER ExecutorType = "docker"
	EXECUTOR_SHELL  ExecutorType = "shell"
)

type Executor interface {
	Type() ExecutorType
	Create(context.Context, CreateOptions) (Box, error)
	Destroy(context.Context, Box) error
	Prepare(context.Context, PrepareOptions) error
	Exec(context.Context, Box, ExecOptions) error
	DetectShell(context.Context, Box) (string, error)
	LookPath(context.Context, string) (string, error)
	StartServices(context.Context, Box, []Service, OutputConsumer) error
	StopServices(context.Context, Box) error
	Cleanup() error
}

// Box is an isolated place where commands of a single job are executed: a
// container or a set of host processes.
type Box interface {
	String() string
	ID() string

	// Env returns the environment commands inherit when nothing is
	// overridden.
	Env() []string

	// BuildDir is the path to the build directory as seen by commands.
	BuildDir() string

	// ServiceHost returns a hostname the service is reachable by.
	ServiceHost(Service) string
}

type (
	// Volume is a bind mount in the form of host:container.
	Volume string
)

type (
	OutputConsumer func(string)
)

func DiscardConsumer(string) {}

type CreateOptions struct {
	Name     string
	Image    string
	BuildDir string
	Volumes  []Volume
}

type ExecOptions struct {
	Cmd            []string
	Env            []string
	WorkingDir     string
	AttachStdout   bool
	AttachStderr   bool
	OutputConsumer OutputConsumer
	Stdin          io.Reader
}

type PrepareOptions struct {
	Image          string
	OutputConsumer OutputConsumer
	InfoConsumer   OutputConsumer
	Auths          Auths
}

type Auths map[string]AuthConfig

type AuthConfig struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Auth     string `json:"auth,omitempty"`

	ServerAddress string `json:"serveraddress,omitempty"`

	// IdentityToken is used to authenticate the user and get
	// an access token for the registry.
	IdentityToken string `json:"identitytoken,omitempty"`

	// RegistryToken is a bearer token to be sent to a registry
	RegistryToken string `json:"registrytoken,omitempty"`
}

// DockerAuths is the format of ~/.docker/config.json
type DockerAuths struct {
	Auths Auths `json:"auths"`
}

// ExitCodeError is returned by Exec when the command exits with a non-zero
// code.
type ExitCodeError struct {
	Code int
}

func (err ExitCodeError) Error() string {
	return fmt.Sprintf("exitcode is greater than zero: %d", err.Code)
}
