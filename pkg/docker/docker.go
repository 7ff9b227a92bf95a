// Package docker is a thin per-host façade over the container daemon
// listening on tcp://<ip>:2375.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/sshx"
)

// LocalHost is the daemon address used when an instance has no public IP,
// which only happens with faked instances under test.
const LocalHost = "tcp://127.0.0.1:2375"

// HostForIP returns the daemon endpoint for an instance IP.
func HostForIP(ip string) string {
	if ip == "" {
		return LocalHost
	}
	return fmt.Sprintf("tcp://%s:2375", ip)
}

// RunOptions describe one container launch.
type RunOptions struct {
	Image   string
	Env     []string
	Args    string
	Volumes []api.VolumeMapping
	Ports   []api.PortMapping
	DNS     []string
	PidMode string
}

// Engine is the per-host daemon surface the orchestrator drives. *Daemon is
// the production implementation; tests substitute fakes.
type Engine interface {
	Host() string
	// Responded reports whether the daemon has ever answered a
	// ListContainers call; instances whose daemon never comes up are pruned
	// on the strength of this flag.
	Responded() bool
	HasImage(ctx context.Context, name string) (bool, error)
	Pull(ctx context.Context, name string) (string, error)
	ImportFromURL(sess *sshx.Session, url string) (string, error)
	ListContainers(ctx context.Context) (map[string]types.Container, error)
	Run(ctx context.Context, opts RunOptions) (types.ContainerJSON, error)
	Stop(ctx context.Context, image string, timeout time.Duration) error
	Kill(ctx context.Context, image string) error
}

// Daemon talks to a single remote docker daemon.
type Daemon struct {
	host      string
	cli       *client.Client
	responded bool
}

var _ Engine = (*Daemon)(nil)

// New connects a client for the daemon at host.
func New(host string) (*Daemon, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client for %s: %w", host, err)
	}
	return &Daemon{host: host, cli: cli}, nil
}

func (d *Daemon) Host() string    { return d.host }
func (d *Daemon) Responded() bool { return d.responded }

// ListContainers returns the running containers keyed by id.
func (d *Daemon) ListContainers(ctx context.Context) (map[string]types.Container, error) {
	list, err := d.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return nil, err
	}
	d.responded = true
	out := make(map[string]types.Container, len(list))
	for _, c := range list {
		out[c.ID] = c
	}
	return out, nil
}

// HasImage reports whether the image is present on the host.
func (d *Daemon) HasImage(ctx context.Context, name string) (bool, error) {
	images, err := d.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return false, err
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == name || strings.HasPrefix(tag, name+":") {
				return true, nil
			}
		}
	}
	return false, nil
}

// Pull fetches the image from the registry and returns the pull log.
func (d *Daemon) Pull(ctx context.Context, name string) (string, error) {
	rc, err := d.cli.ImagePull(ctx, name, types.ImagePullOptions{})
	if err != nil {
		return "", fmt.Errorf("pulling %s: %w", name, err)
	}
	defer rc.Close()
	out, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("pulling %s: %w", name, err)
	}
	return string(out), nil
}

// ImportFromURL loads a pre-exported image onto the host through the SSH
// channel. The docker API on the host ingests it from the pipe.
func (d *Daemon) ImportFromURL(sess *sshx.Session, url string) (string, error) {
	out, err := sess.Exec(fmt.Sprintf("curl -sSL %s | docker load", url))
	if err != nil {
		return string(out), fmt.Errorf("importing %s: %w", url, err)
	}
	return string(out), nil
}

// Run creates and starts a container, returning its inspection data
// (including the assigned internal IP).
func (d *Daemon) Run(ctx context.Context, opts RunOptions) (types.ContainerJSON, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, pm := range opts.Ports {
		port, err := nat.NewPort(pm.Proto, pm.ContainerPort)
		if err != nil {
			return types.ContainerJSON{}, err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: pm.HostPort}}
	}

	binds := make([]string, 0, len(opts.Volumes))
	for _, vm := range opts.Volumes {
		b := vm.HostPath + ":" + vm.ContainerPath
		if vm.ReadOnly {
			b += ":ro"
		}
		binds = append(binds, b)
	}

	cfg := &container.Config{
		Image:        opts.Image,
		Env:          opts.Env,
		Cmd:          strings.Fields(opts.Args),
		ExposedPorts: exposed,
	}
	hcfg := &container.HostConfig{
		Binds:        binds,
		PortBindings: bindings,
		DNS:          opts.DNS,
		PidMode:      container.PidMode(opts.PidMode),
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hcfg, nil, nil, "")
	if err != nil {
		return types.ContainerJSON{}, fmt.Errorf("creating %s: %w", opts.Image, err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return types.ContainerJSON{}, fmt.Errorf("starting %s: %w", opts.Image, err)
	}
	return d.cli.ContainerInspect(ctx, created.ID)
}

// Stop gracefully stops every container running the image.
func (d *Daemon) Stop(ctx context.Context, image string, timeout time.Duration) error {
	ids, err := d.findByImage(ctx, image)
	if err != nil {
		return err
	}
	secs := int(timeout / time.Second)
	for _, id := range ids {
		if err := d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}); err != nil {
			return err
		}
	}
	return nil
}

// Kill forcibly kills every container running the image.
func (d *Daemon) Kill(ctx context.Context, image string) error {
	ids, err := d.findByImage(ctx, image)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
			return err
		}
	}
	return nil
}

func (d *Daemon) findByImage(ctx context.Context, image string) ([]string, error) {
	containers, err := d.ListContainers(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for id, c := range containers {
		if strings.Contains(c.Image, image) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
