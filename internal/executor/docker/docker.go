package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	docker_reference "github.com/docker/distribution/reference"
	docker_types "github.com/docker/docker/api/types"
	docker_container "github.com/docker/docker/api/types/container"
	docker_filters "github.com/docker/docker/api/types/filters"
	docker_network "github.com/docker/docker/api/types/network"
	docker_client "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/docker/pkg/term"
	"github.com/hashicorp/go-multierror"
	"github.com/reconquest/karma-go"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/reconquest/matrix-runner/internal/utils"
	"github.com/reconquest/pkg/log"
)

const (
	LABEL_KEY = "io.reconquest.matrix-runner"

	// docker hub credentials are stored under this key in docker configs
	INDEX_SERVER = "https://index.docker.io/v1/"

	DEFAULT_HOME = "/root"
)

var _ executor.Executor = (*Docker)(nil)

type Box struct {
	id       string
	name     string
	buildDir string
	env      []string
	network  string

	mutex    sync.Mutex
	services []string
}

func (box *Box) ID() string {
	return box.id
}

func (box *Box) String() string {
	return box.name
}

func (box *Box) Env() []string {
	return box.env
}

func (box *Box) BuildDir() string {
	return box.buildDir
}

func (box *Box) ServiceHost(service executor.Service) string {
	if len(service.Aliases) > 0 {
		return service.Aliases[0]
	}

	return service.Name
}

type Image struct {
	ID   string
	Tags []string
}

type Options struct {
	// Network is an additional network job containers are attached to.
	Network string
	Volumes []string
	Home    string
}

type Docker struct {
	client *docker_client.Client

	network string
	volumes []string
	home    string
}

func NewDocker(options Options) (*Docker, error) {
	var err error

	docker := &Docker{
		network: options.Network,
		volumes: options.Volumes,
		home:    options.Home,
	}

	if docker.home == "" {
		docker.home = DEFAULT_HOME
	}

	docker.client, err = docker_client.NewClientWithOpts(docker_client.FromEnv,
		docker_client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, karma.Format(
			err,
			"unable to initialize docker client",
		)
	}

	return docker, err
}

func (docker *Docker) Type() executor.ExecutorType {
	return executor.EXECUTOR_DOCKER
}

// Ping checks that the docker daemon is reachable.
func (docker *Docker) Ping(ctx context.Context) error {
	_, err := docker.client.Ping(ctx)
	if err != nil {
		return karma.Format(err, "unable to connect to docker daemon")
	}

	return nil
}

// Home returns HOME of job containers, paths like $HOME/.cache are expanded
// with it before being mounted.
func (docker *Docker) Home() string {
	return docker.home
}

func (docker *Docker) PullImage(
	ctx context.Context,
	reference string,
	callback executor.OutputConsumer,
	auths executor.Auths,
) error {
	distributionRef, err := docker_reference.ParseNormalizedNamed(reference)
	if err != nil {
		return karma.Format(err, "unable to parse ref: %s", reference)
	}
	if docker_reference.IsNameOnly(distributionRef) {
		distributionRef = docker_reference.TagNameOnly(distributionRef)
	}

	serverAddress, found := findAuth(distributionRef, auths)

	auth, err := encodeAuth(serverAddress, found)
	if err != nil {
		return err
	}

	pullOptions := docker_types.ImagePullOptions{
		RegistryAuth: auth,
		PrivilegeFunc: func() (string, error) {
			return auth, nil
		},
	}

	reader, err := docker.client.ImagePull(
		ctx,
		distributionRef.String(),
		pullOptions,
	)
	if err != nil {
		return err
	}
	defer reader.Close()

	logwriter := callbackWriter{ctx: ctx, callback: callback}

	termFd, isTerm := term.GetFdInfo(logwriter)

	err = jsonmessage.DisplayJSONMessagesStream(
		reader, logwriter, termFd, isTerm, nil,
	)
	if err != nil {
		return karma.Format(
			err,
			"unable to read docker pull output",
		)
	}

	return nil
}

// findAuth looks for credentials of the registry hosting the image, docker
// hub credentials may be stored either under the index server URL or under
// the docker.io domain.
func findAuth(
	ref docker_reference.Named,
	auths executor.Auths,
) (string, executor.AuthConfig) {
	domain := docker_reference.Domain(ref)

	keys := []string{domain, "https://" + domain, "http://" + domain}
	if domain == "docker.io" {
		keys = append([]string{INDEX_SERVER}, keys...)
	}

	for _, key := range keys {
		if auth, ok := auths[key]; ok {
			return key, auth
		}
	}

	return "", executor.AuthConfig{}
}

func (docker *Docker) ListImages(
	ctx context.Context,
) ([]docker_types.ImageSummary, error) {
	images, err := docker.client.ImageList(ctx, docker_types.ImageListOptions{})
	if err != nil {
		return nil, err
	}

	return images, nil
}

func (docker *Docker) Create(
	ctx context.Context,
	opts executor.CreateOptions,
) (executor.Box, error) {
	labels := map[string]string{
		LABEL_KEY: opts.Name,
	}

	network, err := docker.client.NetworkCreate(
		ctx,
		opts.Name,
		docker_types.NetworkCreate{
			CheckDuplicate: true,
			Labels:         labels,
		},
	)
	if err != nil {
		return nil, karma.Format(err, "unable to create network %s", opts.Name)
	}

	box := &Box{
		name:     opts.Name,
		buildDir: opts.BuildDir,
		network:  network.ID,
	}

	defer func() {
		if box.id == "" {
			err := docker.client.NetworkRemove(context.Background(), network.ID)
			if err != nil {
				log.Errorf(err, "unable to remove network %s", opts.Name)
			}
		}
	}()

	image, _, err := docker.client.ImageInspectWithRaw(ctx, opts.Image)
	if err != nil {
		return nil, karma.Format(err, "unable to inspect image %s", opts.Image)
	}

	box.env = []string{"HOME=" + docker.home}
	if image.Config != nil {
		for _, item := range image.Config.Env {
			if !strings.HasPrefix(item, "HOME=") {
				box.env = append(box.env, item)
			}
		}
	}

	config := &docker_container.Config{
		Image:  opts.Image,
		Labels: labels,
		Env:    box.env,
		// keeps the container running, commands are started with exec
		Entrypoint:   []string{"/bin/sh", "-c", "trap 'exit 0' TERM; while :; do sleep 1; done"},
		WorkingDir:   opts.BuildDir,
		AttachStdout: true,
		AttachStderr: true,
	}

	hostConfig := &docker_container.HostConfig{
		Binds:       append([]string{}, docker.volumes...),
		NetworkMode: docker_container.NetworkMode(opts.Name),
	}

	for _, vol := range opts.Volumes {
		hostConfig.Binds = append(hostConfig.Binds, string(vol))
	}

	created, err := docker.client.ContainerCreate(
		ctx, config,
		hostConfig, nil, opts.Name,
	)
	if err != nil {
		return nil, err
	}

	box.id = created.ID

	if docker.network != "" {
		err = docker.client.NetworkConnect(ctx, docker.network, box.id, nil)
		if err != nil {
			docker.destroy(box)
			return nil, karma.Format(
				err,
				"unable to connect container to network %s", docker.network,
			)
		}
	}

	err = docker.client.ContainerStart(ctx, box.id, docker_types.ContainerStartOptions{})
	if err != nil {
		docker.destroy(box)
		return nil, karma.Format(
			err,
			"unable to start created container",
		)
	}

	return box, nil
}

func (docker *Docker) destroy(box *Box) {
	err := docker.Destroy(context.Background(), box)
	if err != nil {
		log.Errorf(err, "unable to destroy container %s", box.name)
	}
}

func (docker *Docker) StartServices(
	ctx context.Context,
	container executor.Box,
	services []executor.Service,
	output executor.OutputConsumer,
) error {
	box := box(container)

	for _, service := range services {
		err := docker.Prepare(ctx, executor.PrepareOptions{
			Image:          service.Image,
			OutputConsumer: output,
			InfoConsumer:   output,
		})
		if err != nil {
			return karma.Format(err, "unable to prepare image for service %s", service.Name)
		}

		name := box.name + "-" + service.Name

		created, err := docker.client.ContainerCreate(
			ctx,
			&docker_container.Config{
				Image:  service.Image,
				Env:    service.Env,
				Labels: map[string]string{LABEL_KEY: box.name},
			},
			&docker_container.HostConfig{
				NetworkMode: docker_container.NetworkMode(box.name),
			},
			&docker_network.NetworkingConfig{
				EndpointsConfig: map[string]*docker_network.EndpointSettings{
					box.name: {
						NetworkID: box.network,
						Aliases:   service.Aliases,
					},
				},
			},
			name,
		)
		if err != nil {
			return karma.Format(err, "unable to create service container %s", name)
		}

		box.mutex.Lock()
		box.services = append(box.services, created.ID)
		box.mutex.Unlock()

		err = docker.client.ContainerStart(ctx, created.ID, docker_types.ContainerStartOptions{})
		if err != nil {
			return karma.Format(err, "unable to start service %s", service.Name)
		}

		if output != nil {
			output(fmt.Sprintf(
				":: started service %s, available at %s\n",
				service, box.ServiceHost(service),
			))
		}
	}

	return nil
}

func (docker *Docker) StopServices(ctx context.Context, container executor.Box) error {
	box := box(container)

	box.mutex.Lock()
	services := box.services
	box.services = nil
	box.mutex.Unlock()

	var result *multierror.Error
	for _, id := range services {
		err := docker.remove(ctx, id)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (docker *Docker) remove(ctx context.Context, id string) error {
	return docker.client.ContainerRemove(
		ctx, id,
		docker_types.ContainerRemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		},
	)
}

func (docker *Docker) Destroy(
	ctx context.Context,
	container executor.Box,
) error {
	if container == nil {
		return nil
	}

	box := box(container)

	var result *multierror.Error

	err := docker.StopServices(ctx, box)
	if err != nil {
		result = multierror.Append(result, err)
	}

	if box.id != "" {
		err = docker.remove(ctx, box.id)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if box.network != "" {
		err = docker.client.NetworkRemove(ctx, box.network)
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (docker *Docker) Exec(
	ctx context.Context,
	container executor.Box,
	opts executor.ExecOptions,
) error {
	exec, err := docker.client.ContainerExecCreate(
		ctx,
		container.ID(),
		docker_types.ExecConfig{
			AttachStderr: opts.AttachStderr,
			AttachStdout: opts.AttachStdout,
			Env:          opts.Env,
			WorkingDir:   opts.WorkingDir,
			Cmd:          opts.Cmd,
		},
	)
	if err != nil {
		return err
	}

	response, err := docker.client.ContainerExecAttach(
		ctx, exec.ID,
		docker_types.ExecStartCheck{},
	)
	if err != nil {
		return err
	}

	defer response.Close()

	finished := make(chan struct{})
	defer close(finished)

	// the hijacked connection doesn't respect the context
	go func() {
		select {
		case <-ctx.Done():
			response.Close()
		case <-finished:
		}
	}()

	writer := callbackWriter{ctx: ctx, callback: opts.OutputConsumer}

	_, err = stdcopy.StdCopy(writer, writer, response.Reader)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return karma.Format(err, "unable to read stdout of exec/attach")
	}

	info, err := docker.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return karma.Format(
			err,
			"unable to inspect container/exec",
		)
	}
	if info.ExitCode > 0 {
		return executor.ExitCodeError{Code: info.ExitCode}
	}

	return nil
}

// Cleanup removes containers and networks left by previous runs which were
// terminated abnormally.
func (docker *Docker) Cleanup() error {
	ctx := context.Background()

	filters := docker_filters.NewArgs(docker_filters.Arg("label", LABEL_KEY))

	containers, err := docker.client.ContainerList(
		ctx,
		docker_types.ContainerListOptions{All: true, Filters: filters},
	)
	if err != nil {
		return karma.Format(
			err,
			"unable to list containers",
		)
	}

	destroyed := 0
	for _, container := range containers {
		log.Infof(
			nil,
			"cleanup: destroying container %q %q in status: %s",
			container.ID,
			container.Names,
			container.Status,
		)

		err := docker.remove(ctx, container.ID)
		if err != nil {
			log.Errorf(
				karma.
					Describe("id", container.ID).
					Describe("name", container.Names).
					Reason(err),
				"unable to destroy container",
			)
			continue
		}

		destroyed++
	}

	networks, err := docker.client.NetworkList(
		ctx,
		docker_types.NetworkListOptions{Filters: filters},
	)
	if err != nil {
		return karma.Format(err, "unable to list networks")
	}

	for _, network := range networks {
		err := docker.client.NetworkRemove(ctx, network.ID)
		if err != nil {
			log.Errorf(
				karma.Describe("name", network.Name).Reason(err),
				"unable to remove network",
			)
		}
	}

	log.Infof(nil, "cleanup: destroyed %d containers", destroyed)

	return nil
}

func (docker *Docker) GetImageWithTag(
	ctx context.Context,
	tag string,
) (*Image, error) {
	images, err := docker.ListImages(ctx)
	if err != nil {
		return nil, karma.Format(
			err,
			"unable to list images",
		)
	}

	for _, image := range images {
		for _, repoTag := range image.RepoTags {
			if repoTag == tag {
				return &Image{
					Tags: image.RepoTags,
					ID:   image.ID,
				}, nil
			}
		}
	}

	return nil, nil
}

func encodeAuth(serverAddress string, config executor.AuthConfig) (string, error) {
	auth := docker_types.AuthConfig{
		Username:      config.Username,
		Password:      config.Password,
		Auth:          config.Auth,
		ServerAddress: config.ServerAddress,
		IdentityToken: config.IdentityToken,
		RegistryToken: config.RegistryToken,
	}

	// the same as docker cli does with its config file
	if auth.Auth != "" && auth.Username == "" && auth.Password == "" {
		decoded, err := base64.StdEncoding.DecodeString(auth.Auth)
		if err != nil {
			return "", karma.Format(
				err,
				"unable to decode 'auth' field as base64",
			)
		}

		chunks := strings.SplitN(string(decoded), ":", 2)
		if len(chunks) == 2 {
			auth.Auth = ""
			auth.Username = chunks[0]
			auth.Password = chunks[1]
			auth.ServerAddress = serverAddress
		}
	}

	if auth.Username == "" &&
		auth.Auth == "" &&
		auth.IdentityToken == "" &&
		auth.RegistryToken == "" &&
		auth.Password == "" {
		return "", nil
	}

	json, err := json.Marshal(auth)
	if err != nil {
		return "", karma.Format(
			err,
			"unable to encode docker auth config",
		)
	}

	return base64.URLEncoding.EncodeToString(json), nil
}

// Prepare makes sure that the image is available locally, pulling it if
// needed.
func (docker *Docker) Prepare(
	ctx context.Context,
	opts executor.PrepareOptions,
) error {
	tag, err := normalizeTag(opts.Image)
	if err != nil {
		return err
	}

	image, err := docker.GetImageWithTag(ctx, tag)
	if err != nil {
		return err
	}

	if image == nil {
		if opts.InfoConsumer != nil {
			opts.InfoConsumer(
				fmt.Sprintf(":: pulling docker image: %s\n", tag),
			)
		}

		err := docker.PullImage(ctx, tag, opts.OutputConsumer, opts.Auths)
		if err != nil {
			return err
		}

		image, err = docker.GetImageWithTag(ctx, tag)
		if err != nil {
			return karma.Format(err, "unable to get image after pulling")
		}

		if image == nil {
			return fmt.Errorf("image %s not found after pulling", tag)
		}
	}

	if opts.InfoConsumer != nil {
		opts.InfoConsumer(
			fmt.Sprintf(
				":: using docker image: %s @ %s\n",
				strings.Join(image.Tags, ", "),
				image.ID,
			),
		)
	}

	return nil
}

// normalizeTag returns the image reference in the form docker lists local
// images: docker hub images lose the docker.io/library/ prefix and get the
// latest tag if none specified.
func normalizeTag(image string) (string, error) {
	named, err := docker_reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", karma.Format(err, "invalid image reference: %s", image)
	}

	named = docker_reference.TagNameOnly(named)

	return docker_reference.FamiliarString(named), nil
}

type callbackWriter struct {
	ctx      context.Context
	callback executor.OutputConsumer
}

func (callbackWriter callbackWriter) Write(data []byte) (int, error) {
	if callbackWriter.callback == nil {
		return len(data), nil
	}

	if utils.IsDone(callbackWriter.ctx) {
		return 0, context.Canceled
	}

	callbackWriter.callback(string(data))

	return len(data), nil
}

func (docker *Docker) LookPath(ctx context.Context, path string) (string, error) {
	return "", fmt.Errorf("lookup of %s is not supported by docker executor", path)
}

func (docker *Docker) DetectShell(
	ctx context.Context,
	container executor.Box,
) (string, error) {
	output := ""
	callback := func(line string) {
		log.Tracef(nil, "shelldetect: %q", line)

		line = strings.TrimSpace(line)
		if line == "" {
			return
		}

		if output == "" {
			output = line
		} else {
			output += "\n" + line
		}
	}

	cmd := []string{
		DEFAULT_SHELL,
		DEFAULT_SHELL_FLAG_COMMAND,
		DEFAULT_DETECT_SHELL_COMMAND,
	}

	err := docker.Exec(
		ctx,
		container,
		executor.ExecOptions{
			Cmd:            cmd,
			AttachStdout:   true,
			AttachStderr:   true,
			OutputConsumer: callback,
		},
	)
	if err != nil {
		return "", karma.Format(
			err,
			"execution of shell detection script failed",
		)
	}

	program := strings.TrimSpace(output)

	if program == "" {
		log.Tracef(nil, "shelldetect: using default shell: %q", DEFAULT_SHELL)

		return DEFAULT_SHELL, nil
	}

	log.Tracef(nil, "shelldetect: detected shell: %q", program)

	return program, nil
}

func box(container executor.Box) *Box {
	box, ok := container.(*Box)
	if !ok {
		panic("BUG: unexpected type given: " + fmt.Sprintf("%T", container))
	}
	return box
}
