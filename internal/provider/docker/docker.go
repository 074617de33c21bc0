// Package docker implements the provider.Adapter interface against a
// local Docker daemon. An "instance" is a container running the job's
// image; the phone-home settings ride in as environment variables the
// same way cloud providers receive them through instance user data.
// It exists for development and CI, where real GPU capacity is neither
// available nor affordable.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"mimiry/internal/provider"
)

// Slug identifies this adapter in the registry.
const Slug = "local"

const localLocation = "local"

// Adapter runs instances as containers on the host Docker daemon.
type Adapter struct {
	client *client.Client
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates a Docker adapter from the standard Docker environment
// (DOCKER_HOST etc.).
func New() (*Adapter, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, provider.Errorf("docker.New", Slug, provider.ErrInvalidConfig, err)
	}
	return &Adapter{client: dockerClient}, nil
}

// Authenticate verifies the daemon is reachable.
func (a *Adapter) Authenticate(ctx context.Context) error {
	if _, err := a.client.Ping(ctx); err != nil {
		return provider.Errorf("docker.Authenticate", Slug, provider.ErrAuthFailure, err)
	}
	return nil
}

// ListInstanceTypes returns the fixed local shapes. There is no real
// capacity pool behind them; pricing is zero by definition.
func (a *Adapter) ListInstanceTypes(ctx context.Context, currency string) ([]provider.InstanceType, error) {
	if currency == "" {
		currency = "usd"
	}
	return []provider.InstanceType{
		{
			InstanceType: "local-small",
			Description:  "2 vCPU / 4 GB container",
			CPUCores:     2,
			RAMGB:        4,
			Currency:     currency,
			Provider:     Slug,
		},
		{
			InstanceType: "local-large",
			Description:  "8 vCPU / 16 GB container",
			CPUCores:     8,
			RAMGB:        16,
			Currency:     currency,
			Provider:     Slug,
		},
	}, nil
}

// ListLocations returns the single local location.
func (a *Adapter) ListLocations(ctx context.Context) ([]provider.Location, error) {
	return []provider.Location{
		{Code: localLocation, Name: "Local Docker daemon", Provider: Slug},
	}, nil
}

// ListImages reports the images already present on the daemon.
func (a *Adapter) ListImages(ctx context.Context, instanceType string) ([]provider.Image, error) {
	images, err := a.client.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, provider.Errorf("docker.ListImages", Slug, provider.ErrProviderUnavailable, err)
	}

	var out []provider.Image
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == "<none>:<none>" {
				continue
			}
			out = append(out, provider.Image{Code: tag, Name: tag, Provider: Slug})
		}
	}
	return out, nil
}

// CheckAvailability reports capacity as long as the daemon answers.
func (a *Adapter) CheckAvailability(ctx context.Context, instanceType string) (provider.Availability, error) {
	if _, err := a.client.Ping(ctx); err != nil {
		return provider.Availability{}, provider.Errorf("docker.CheckAvailability", Slug, provider.ErrProviderUnavailable, err)
	}
	return provider.Availability{
		InstanceType: instanceType,
		IsAvailable:  true,
		Locations:    []string{localLocation},
		Provider:     Slug,
	}, nil
}

// Deploy creates and starts a container carrying the agent environment.
func (a *Adapter) Deploy(ctx context.Context, cfg provider.DeployConfig) (string, error) {
	if err := a.pullImageIfNeeded(ctx, cfg.Image); err != nil {
		return "", provider.Errorf("docker.Deploy", Slug, provider.ErrInvalidConfig, err)
	}

	resources := resourcesFor(cfg.InstanceType)

	// The image is expected to carry the agent binary; the agent runs
	// the startup script and phones home exactly as it does on a cloud
	// instance.
	containerConfig := &container.Config{
		Image: cfg.Image,
		Cmd:   []string{"mimiry-agent"},
		Env: []string{
			"MIMIRY_JOB_ID=" + cfg.JobID,
			"MIMIRY_CALLBACK_URL=" + cfg.CallbackURL,
			"MIMIRY_CALLBACK_TOKEN=" + cfg.CallbackToken,
			"MIMIRY_STARTUP_SCRIPT=" + cfg.StartupScript,
			fmt.Sprintf("MIMIRY_HEARTBEAT_SECONDS=%d", cfg.HeartbeatSeconds),
		},
		Labels: map[string]string{
			"job.id":     cfg.JobID,
			"job.name":   cfg.JobName,
			"managed-by": "mimiry",
		},
	}

	hostConfig := &container.HostConfig{
		Resources: resources,
	}

	containerName := "mimiry-" + cfg.JobID
	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", provider.Errorf("docker.Deploy", Slug, provider.ErrProviderUnavailable, err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave no half-created container behind.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", provider.Errorf("docker.Deploy", Slug, provider.ErrProviderUnavailable, err)
	}

	return resp.ID, nil
}

// InstanceStatus maps the container state onto instance states.
func (a *Adapter) InstanceStatus(ctx context.Context, instanceID string) (provider.InstanceState, error) {
	inspect, err := a.client.ContainerInspect(ctx, instanceID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return provider.InstanceUnknown, provider.Errorf("docker.InstanceStatus", Slug, provider.ErrNotFound, err)
		}
		return provider.InstanceUnknown, provider.Errorf("docker.InstanceStatus", Slug, provider.ErrProviderUnavailable, err)
	}

	switch {
	case inspect.State.Running:
		return provider.InstanceRunning, nil
	case inspect.State.Status == "created":
		return provider.InstancePending, nil
	case inspect.State.Status == "paused", inspect.State.Status == "exited":
		return provider.InstanceStopped, nil
	case inspect.State.Status == "dead", inspect.State.Status == "removing":
		return provider.InstanceTerminated, nil
	default:
		return provider.InstanceUnknown, nil
	}
}

// Terminate stops and removes the container. A container already gone
// is reported as ErrNotFound, which callers treat as success.
func (a *Adapter) Terminate(ctx context.Context, instanceID string) error {
	stopTimeout := 10
	_ = a.client.ContainerStop(ctx, instanceID, container.StopOptions{Timeout: &stopTimeout})

	if err := a.client.ContainerRemove(ctx, instanceID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return provider.Errorf("docker.Terminate", Slug, provider.ErrNotFound, err)
		}
		return provider.Errorf("docker.Terminate", Slug, provider.ErrProviderUnavailable, err)
	}
	return nil
}

// ListManaged returns the ids of all containers this adapter created,
// for operator cleanup tooling.
func (a *Adapter) ListManaged(ctx context.Context) ([]string, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "managed-by=mimiry"),
		),
	})
	if err != nil {
		return nil, provider.Errorf("docker.ListManaged", Slug, provider.ErrProviderUnavailable, err)
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

func (a *Adapter) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := a.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := a.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// resourcesFor translates the local shape names into container limits.
func resourcesFor(instanceType string) container.Resources {
	switch {
	case strings.HasSuffix(instanceType, "large"):
		return container.Resources{NanoCPUs: 8e9, Memory: 16 << 30}
	default:
		return container.Resources{NanoCPUs: 2e9, Memory: 4 << 30}
	}
}
