package runner

import (
	"fmt"
	"os"
	"text/template"

	"github.com/reconquest/matrix-runner/internal/config"
	"github.com/reconquest/pkg/log"
	"github.com/seletskiy/tplutil"
)

var templateDefinitionNotFound = template.Must(template.New("").Parse(`
There is no build definition in {{ .Dir }}.

matrix-runner reads {{ .Filename }} in the root of the repository, for example:

 language: python
 python:
   - "3.6"
 install: pip install tox
 script: tox

Run 'matrix-runner validate' to check the definition without running it.`))

var templateDockerUnavailable = template.Must(template.New("").Parse(`
matrix-runner is unable to connect to the docker daemon:

 {{ .Error }}

{{ if .IsDocker -}}
matrix-runner is running inside a container, mount the docker socket and the
work directory into it:

 docker run \
    -v /var/run/docker.sock:/var/run/docker.sock \
    -v {{ .WorkDir }}:{{ .WorkDir }} \
    <other-docker-flags-here>
{{- else -}}
Make sure that docker is running and the current user is allowed to use it.
{{- end }}

Alternatively, run jobs on the local host:

 MATRIX_MODE=shell matrix-runner run

or specify the mode in the config file ` + DEFAULT_CONFIG_PATH + `:

 mode: shell`))

func ShowMessageDefinitionNotFound(dir string) {
	message, err := tplutil.ExecuteToString(templateDefinitionNotFound, map[string]interface{}{
		"Dir":      dir,
		"Filename": config.DEFAULT_FILENAME,
	})
	if err != nil {
		log.Errorf(err, "unable to show templated message")

		fmt.Fprintf(os.Stderr, "%s is not found in %s\n", config.DEFAULT_FILENAME, dir)
		return
	}

	fmt.Fprintln(os.Stderr, message)
}

func ShowMessageDockerUnavailable(cfg *Config, reason error) {
	message, err := tplutil.ExecuteToString(templateDockerUnavailable, map[string]interface{}{
		"Error":    reason.Error(),
		"IsDocker": IsDocker(),
		"WorkDir":  cfg.WorkDir,
	})
	if err != nil {
		log.Errorf(err, "unable to show templated message")

		fmt.Fprintf(os.Stderr, "docker is not available: %s\n", reason)
		return
	}

	fmt.Fprintln(os.Stderr, message)
}
