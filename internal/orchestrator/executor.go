// Package orchestrator implements the Build Orchestrator (C7) and Status
// Reconciler (C9): submit a build+deploy pipeline to an external build
// executor with substitutions, and converge stored state against it.
// Grounded on internal/sandbox/v2/executor.go's DockerExecutor (container
// lifecycle via the Docker SDK), generalized from one-shot code execution
// to image build + registry push + long-running service run.
package orchestrator

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// StatusKind is the closed set of build-lifecycle statuses the pipeline and
// webhook reconciler exchange (spec §6's "Status kinds consumed").
type StatusKind string

const (
	StatusPending       StatusKind = "PENDING"
	StatusQueued        StatusKind = "QUEUED"
	StatusWorking       StatusKind = "WORKING"
	StatusSuccess       StatusKind = "SUCCESS"
	StatusFailure       StatusKind = "FAILURE"
	StatusInternalError StatusKind = "INTERNAL_ERROR"
	StatusTimeout       StatusKind = "TIMEOUT"
	StatusCancelled     StatusKind = "CANCELLED"
	StatusExpired       StatusKind = "EXPIRED"
)

// IsTerminalFailure reports whether kind is one of the failure-class
// statuses that drive a deployment to `failed` (spec §4.3's transition
// table, "event: build FAILURE/INTERNAL_ERROR/TIMEOUT/CANCELLED/EXPIRED").
func (k StatusKind) IsTerminalFailure() bool {
	switch k {
	case StatusFailure, StatusInternalError, StatusTimeout, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// BuildSpec carries everything the executor needs for one pipeline run,
// including the substitutions spec §4.6 requires: deployment id,
// subdomain, and secret reference.
type BuildSpec struct {
	DeploymentID    string
	Subdomain       string
	Dockerfile      string
	DefaultManifest string // injected only when HasManifest is false
	HasManifest     bool
	ManifestName    string // e.g. "requirements.txt"
	Files           map[string][]byte
	LaunchCommand   []string
	SecretEnvKey    string // "GOOGLE_API_KEY" per spec §4.6
	SecretValue     string // resolved vault reference value, never logged
}

// Result is what Poll returns: the executor's current view of the pipeline.
type Result struct {
	Status    StatusKind
	OriginURL string
	Message   string
}

// Executor is the external build executor abstraction (spec's "build
// executor"): submit a pipeline, poll it, tear it down.
type Executor interface {
	Submit(ctx context.Context, spec BuildSpec) (buildHandle string, err error)
	Poll(ctx context.Context, buildHandle string) (Result, error)
	Teardown(ctx context.Context, buildHandle string) error
}

// DockerExecutor implements Executor against a local Docker daemon: build
// the image, run it as a container with the fixed listen port published,
// and report the host-mapped origin URL once running.
type DockerExecutor struct {
	client     *dockerclient.Client
	registry   string
	hostPrefix string // e.g. "http://localhost" for local dev
}

// NewDockerExecutor connects to the Docker daemon via the standard
// environment-derived configuration (DOCKER_HOST, DOCKER_TLS_VERIFY, ...).
func NewDockerExecutor(registry, hostPrefix string) (*DockerExecutor, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: docker client: %w", err)
	}
	return &DockerExecutor{client: cli, registry: registry, hostPrefix: hostPrefix}, nil
}

const containerListenPort = "8080/tcp"

// Submit builds the image (tagged `subdomain:latest`) and runs it as the
// deployment's runtime service (spec §4.6 steps 5-8, minus an external
// registry push and IAM grant, which this local executor has no analogue
// for).
func (e *DockerExecutor) Submit(ctx context.Context, spec BuildSpec) (string, error) {
	buildCtx, err := buildContextTar(spec)
	if err != nil {
		return "", fmt.Errorf("orchestrator: build context: %w", err)
	}

	tag := fmt.Sprintf("%s:latest", spec.Subdomain)
	buildResp, err := e.client.ImageBuild(ctx, buildCtx, buildTypes(tag))
	if err != nil {
		return "", fmt.Errorf("orchestrator: image build: %w", err)
	}
	defer buildResp.Body.Close()
	if _, err := io.Copy(io.Discard, buildResp.Body); err != nil {
		return "", fmt.Errorf("orchestrator: image build output: %w", err)
	}

	portSet, portBindings, err := publishPort()
	if err != nil {
		return "", err
	}

	created, err := e.client.ContainerCreate(ctx,
		&container.Config{
			Image:        tag,
			Cmd:          spec.LaunchCommand,
			Env:          []string{spec.SecretEnvKey + "=" + spec.SecretValue},
			ExposedPorts: portSet,
			Labels:       map[string]string{"apex.deployment_id": spec.DeploymentID},
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Resources: container.Resources{
				Memory:   512 * 1024 * 1024, // 512 MiB per spec §4.6
				NanoCPUs: 1_000_000_000,     // 1 CPU
			},
		},
		&network.NetworkingConfig{},
		nil,
		fmt.Sprintf("apex-%s", spec.Subdomain),
	)
	if err != nil {
		return "", fmt.Errorf("orchestrator: container create: %w", err)
	}

	if err := e.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = e.client.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("orchestrator: container start: %w", err)
	}

	return created.ID, nil
}

// Poll reports the running container's state. A running container with a
// resolvable host port is SUCCESS with an origin URL; an exited container
// is FAILURE; anything else is WORKING.
func (e *DockerExecutor) Poll(ctx context.Context, buildHandle string) (Result, error) {
	inspect, err := e.client.ContainerInspect(ctx, buildHandle)
	if err != nil {
		return Result{}, fmt.Errorf("orchestrator: container inspect: %w", err)
	}

	if inspect.State == nil {
		return Result{Status: StatusWorking}, nil
	}

	switch {
	case inspect.State.Running:
		hostPort := resolveHostPort(inspect.NetworkSettings)
		if hostPort == "" {
			return Result{Status: StatusWorking}, nil
		}
		return Result{
			Status:    StatusSuccess,
			OriginURL: fmt.Sprintf("%s:%s", e.hostPrefix, hostPort),
		}, nil
	case inspect.State.ExitCode != 0:
		return Result{Status: StatusFailure, Message: inspect.State.Error}, nil
	default:
		return Result{Status: StatusWorking}, nil
	}
}

// Teardown stops and removes the container. Non-fatal if already gone
// (spec §9's "404 on re-attempt is non-fatal").
func (e *DockerExecutor) Teardown(ctx context.Context, buildHandle string) error {
	_ = e.client.ContainerStop(ctx, buildHandle, container.StopOptions{})
	if err := e.client.ContainerRemove(ctx, buildHandle, container.RemoveOptions{Force: true}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("orchestrator: container remove: %w", err)
	}
	return nil
}

func publishPort() (nat.PortSet, nat.PortMap, error) {
	port, err := nat.NewPort("tcp", "8080")
	if err != nil {
		return nil, nil, err
	}
	return nat.PortSet{port: struct{}{}},
		nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}}},
		nil
}

func resolveHostPort(settings *container.NetworkSettings) string {
	if settings == nil {
		return ""
	}
	bindings, ok := settings.Ports[nat.Port(containerListenPort)]
	if !ok || len(bindings) == 0 {
		return ""
	}
	if port, err := strconv.Atoi(bindings[0].HostPort); err == nil {
		return strconv.Itoa(port)
	}
	return bindings[0].HostPort
}

// buildContextTar packages the Dockerfile, extracted archive contents, and
// the default dependency manifest (when needed) into a tar stream for
// ImageBuild, per spec §4.6 steps 2-4.
func buildContextTar(spec BuildSpec) (io.Reader, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	if err := writeTarFile(tw, "Dockerfile", []byte(spec.Dockerfile)); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(spec.Files))
	for name := range spec.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := writeTarFile(tw, name, spec.Files[name]); err != nil {
			return nil, err
		}
	}

	if !spec.HasManifest && spec.DefaultManifest != "" {
		if err := writeTarFile(tw, spec.ManifestName, []byte(spec.DefaultManifest)); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeTarFile(tw *tar.Writer, name string, content []byte) error {
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(content)), Mode: 0o644}); err != nil {
		return err
	}
	_, err := tw.Write(content)
	return err
}

func buildTypes(tag string) image.BuildOptions {
	return image.BuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	}
}
