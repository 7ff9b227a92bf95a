package extensions

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/docker"
	"github.com/stephendonner/loads-broker/pkg/sshx"
)

const (
	daemonPollInterval = 5 * time.Second
	daemonWaitTimeout  = 10 * time.Minute
	loadRetries        = 3
	runRetries         = 3
)

// Docker drives the container daemons across a collection.
type Docker struct {
	ssh *sshx.Runner
	log *zap.SugaredLogger

	// newEngine is replaced under test.
	newEngine func(host string) (docker.Engine, error)
}

func NewDocker(ssh *sshx.Runner, log *zap.SugaredLogger) *Docker {
	return &Docker{
		ssh: ssh,
		log: log,
		newEngine: func(host string) (docker.Engine, error) {
			return docker.New(host)
		},
	}
}

// NewDockerWithEngine is NewDocker with the engine constructor swapped out,
// for tests.
func NewDockerWithEngine(ssh *sshx.Runner, newEngine func(host string) (docker.Engine, error), log *zap.SugaredLogger) *Docker {
	return &Docker{ssh: ssh, log: log, newEngine: newEngine}
}

// SetupCollection attaches a daemon client to every instance that does not
// have one yet.
func (d *Docker) SetupCollection(ctx context.Context, c *aws.Collection) {
	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		if inst.State.Docker != nil {
			return nil, nil
		}
		eng, err := d.newEngine(docker.HostForIP(inst.PublicIP()))
		if err != nil {
			return nil, err
		}
		inst.State.Docker = eng
		return nil, nil
	}, 0)
}

func notResponding(c *aws.Collection) []*aws.Instance {
	var out []*aws.Instance
	for _, inst := range c.Live() {
		if inst.State.Docker == nil || !inst.State.Docker.Responded() {
			out = append(out, inst)
		}
	}
	return out
}

// WaitUntilReady polls the daemon on every non-responding instance until it
// answers or the deadline passes. Instances whose daemon never comes up are
// pruned from the collection.
func (d *Docker) WaitUntilReady(ctx context.Context, c *aws.Collection, interval, timeout time.Duration) {
	if interval == 0 {
		interval = daemonPollInterval
	}
	if timeout == 0 {
		timeout = daemonWaitTimeout
	}
	deadline := time.Now().Add(timeout)

	remaining := notResponding(c)
	for len(remaining) > 0 && time.Now().Before(deadline) {
		c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
			if inst.State.Docker.Responded() {
				return nil, nil
			}
			if _, err := inst.State.Docker.ListContainers(ctx); err != nil {
				return nil, nil // not up yet; tolerated until the deadline
			}
			inst.State.LastResponse = time.Now()
			return nil, nil
		}, 0)

		remaining = notResponding(c)
		if len(remaining) > 0 {
			if err := c.Wait(ctx, interval); err != nil {
				break
			}
		}
	}

	if len(remaining) > 0 {
		d.log.Debugw("pruning non-responding instances", "count", len(remaining))
		c.RemoveInstances(remaining)
	}
}

// LoadContainers ensures the image is present on every instance, importing
// from url over SSH when given, pulling from the registry otherwise.
// Presence is verified after each attempt; instances that still lack the
// image after the retries are marked failed.
func (d *Docker) LoadContainers(ctx context.Context, c *aws.Collection, name, url string) {
	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		eng := inst.State.Docker

		has, err := eng.HasImage(ctx, name)
		if err != nil {
			return nil, err
		}
		if has && !strings.Contains(name, "latest") {
			return nil, nil
		}

		var output string
		for try := 0; try <= loadRetries; try++ {
			if url != "" {
				output, err = d.importImage(inst, eng, url)
			} else {
				output, err = eng.Pull(ctx, name)
			}
			if err != nil {
				d.log.Debugw("image load attempt failed", "instance", inst.ID(), "err", err)
				continue
			}
			has, err = eng.HasImage(ctx, name)
			if err == nil && has {
				return output, nil
			}
		}

		inst.State.Nonresponsive = true
		return nil, fmt.Errorf("unable to load image %s: %s", name, output)
	}, 0)
}

func (d *Docker) importImage(inst *aws.Instance, eng docker.Engine, url string) (string, error) {
	sess, err := d.ssh.Connect(inst.PublicIP())
	if err != nil {
		return "", err
	}
	defer sess.Close()
	return eng.ImportFromURL(sess, url)
}

// RunContainers launches the image on every live instance, injecting the
// host addressing environment and expanding $NAME references in env, args
// and volume bind paths. A dns_server recorded on the instance is wired in
// as the container's resolver. Failed launches are retried with a stop in
// between; an instance that cannot run the container is marked failed.
func (d *Docker) RunContainers(ctx context.Context, c *aws.Collection, image, envData, args string,
	volumes []api.VolumeMapping, ports []api.PortMapping, delay time.Duration, pidMode string) []aws.Result {

	return c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		eng := inst.State.Docker

		added := strings.Join([]string{
			"HOST_IP=" + inst.PublicIP(),
			"PRIVATE_IP=" + inst.PrivateIP(),
			"STATSD_HOST=" + inst.PrivateIP(),
			"STATSD_PORT=8125",
		}, "\n")
		env := added
		if envData != "" {
			env = envData + "\n" + added
		}
		env = substituteNames(env, env)

		var envLines []string
		for _, line := range strings.Split(env, "\n") {
			if line != "" {
				envLines = append(envLines, line)
			}
		}

		opts := docker.RunOptions{
			Image:   image,
			Env:     envLines,
			Args:    substituteNames(args, env),
			Ports:   ports,
			PidMode: pidMode,
		}
		for _, vm := range volumes {
			vm.HostPath = substituteNames(vm.HostPath, env)
			opts.Volumes = append(opts.Volumes, vm)
		}
		if inst.State.DNSServer != "" {
			opts.DNS = []string{inst.State.DNSServer}
		}

		var lastErr error
		for try := 0; try <= runRetries; try++ {
			info, err := eng.Run(ctx, opts)
			if err == nil {
				return info, nil
			}
			lastErr = err
			d.log.Debugw("container run attempt failed", "instance", inst.ID(), "image", image, "err", err)
			_ = eng.Stop(ctx, image, 5*time.Second)
		}

		inst.State.Nonresponsive = true
		return nil, fmt.Errorf("giving up running %s: %w", image, lastErr)
	}, delay)
}

// IsRunning reports whether any running instance still has a container of
// the image up. Instances that cannot be reached are marked dead when
// prune is set, or counted as running otherwise.
func (d *Docker) IsRunning(ctx context.Context, c *aws.Collection, image string, prune bool) bool {
	running := false
	for _, inst := range c.RunningInstances() {
		inst := inst
		v, _ := c.Execute(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
			containers, err := inst.State.Docker.ListContainers(ctx)
			if err != nil {
				if prune {
					d.log.Debugw("lost contact with an instance, marking dead", "instance", inst.ID())
					inst.State.Nonresponsive = true
					return false, nil
				}
				return true, nil
			}
			for _, cont := range containers {
				if strings.Contains(cont.Image, image) {
					return true, nil
				}
			}
			return false, nil
		}, inst)
		if up, ok := v.(bool); ok && up {
			running = true
		}
	}
	return running
}

// StopContainers gracefully stops the image on all live instances.
func (d *Docker) StopContainers(ctx context.Context, c *aws.Collection, image string, timeout time.Duration) {
	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		if err := inst.State.Docker.Stop(ctx, image, timeout); err != nil {
			d.log.Debugw("lost contact with an instance, marking dead", "instance", inst.ID())
			inst.State.Nonresponsive = true
		}
		return nil, nil
	}, 0)
}

// KillContainers forcibly kills the image on all live instances.
func (d *Docker) KillContainers(ctx context.Context, c *aws.Collection, image string) {
	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		if err := inst.State.Docker.Kill(ctx, image); err != nil {
			d.log.Debugw("lost contact with an instance, marking dead", "instance", inst.ID())
			inst.State.Nonresponsive = true
		}
		return nil, nil
	}, 0)
}

// substituteNames expands $NAME references in tmpl using the KEY=value
// lines of env as the substitution dictionary.
func substituteNames(tmpl, env string) string {
	dict := make(map[string]string)
	for _, line := range strings.Split(env, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok || k == "" {
			continue
		}
		dict[k] = v
	}
	return os.Expand(tmpl, func(name string) string {
		return dict[name]
	})
}
