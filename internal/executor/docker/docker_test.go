package docker

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	docker_reference "github.com/docker/distribution/reference"
	docker_types "github.com/docker/docker/api/types"
	"github.com/reconquest/matrix-runner/internal/executor"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeTag(t *testing.T) {
	test := assert.New(t)

	testcases := map[string]string{
		"python":                        "python:latest",
		"python:2.7":                    "python:2.7",
		"docker.io/library/node:10":     "node:10",
		"registry.local:5000/app/image": "registry.local:5000/app/image:latest",
	}

	for image, expected := range testcases {
		tag, err := normalizeTag(image)
		test.NoError(err)
		test.Equal(expected, tag, image)
	}

	_, err := normalizeTag("UPPER/case")
	test.Error(err)
}

func TestFindAuth(t *testing.T) {
	test := assert.New(t)

	auths := executor.Auths{
		INDEX_SERVER:     {Username: "hub"},
		"registry.local": {Username: "local"},
	}

	ref, _ := docker_reference.ParseNormalizedNamed("python:3.6")
	address, auth := findAuth(ref, auths)
	test.Equal(INDEX_SERVER, address)
	test.Equal("hub", auth.Username)

	ref, _ = docker_reference.ParseNormalizedNamed("registry.local/app")
	address, auth = findAuth(ref, auths)
	test.Equal("registry.local", address)
	test.Equal("local", auth.Username)

	ref, _ = docker_reference.ParseNormalizedNamed("quay.io/app")
	address, _ = findAuth(ref, auths)
	test.Equal("", address)
}

func TestEncodeAuth(t *testing.T) {
	test := assert.New(t)

	encoded, err := encodeAuth("", executor.AuthConfig{})
	test.NoError(err)
	test.Equal("", encoded)

	encoded, err = encodeAuth("registry.local", executor.AuthConfig{
		Auth: base64.StdEncoding.EncodeToString([]byte("user:pa:ss")),
	})
	test.NoError(err)

	raw, err := base64.URLEncoding.DecodeString(encoded)
	test.NoError(err)

	var auth docker_types.AuthConfig
	test.NoError(json.Unmarshal(raw, &auth))
	test.Equal("user", auth.Username)
	test.Equal("pa:ss", auth.Password)
	test.Equal("registry.local", auth.ServerAddress)
	test.Equal("", auth.Auth)

	_, err = encodeAuth("", executor.AuthConfig{Auth: "!!!"})
	test.Error(err)
}

func TestBox_ServiceHost(t *testing.T) {
	test := assert.New(t)

	box := &Box{}
	test.Equal("postgres", box.ServiceHost(executor.Service{
		Name:    "postgresql",
		Aliases: []string{"postgres", "postgresql"},
	}))
	test.Equal("custom", box.ServiceHost(executor.Service{Name: "custom"}))
}
