package extensions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
)

// Watcher supervises the docker daemon on each instance, cleaning up
// orphaned containers. It needs the docker socket and cloud credentials.
type Watcher struct {
	Info      ContainerInfo
	AccessKey string
	SecretKey string
	log       *zap.SugaredLogger
}

func NewWatcher(info ContainerInfo, accessKey, secretKey string, log *zap.SugaredLogger) *Watcher {
	return &Watcher{Info: info, AccessKey: accessKey, SecretKey: secretKey, log: log}
}

// Configured reports whether credentials were supplied.
func (w *Watcher) Configured() bool { return w.AccessKey != "" }

// Start launches the watcher container on every instance.
func (w *Watcher) Start(ctx context.Context, c *aws.Collection, d *Docker) {
	if w.AccessKey == "" {
		w.log.Debug("watcher not configured")
		return
	}

	env := "AWS_ACCESS_KEY_ID=" + w.AccessKey + "\nAWS_SECRET_ACCESS_KEY=" + w.SecretKey
	volumes := []api.VolumeMapping{
		{HostPath: "/var/run/docker.sock", ContainerPath: "/var/run/docker.sock"},
	}

	w.log.Debug("launching watcher")
	d.RunContainers(ctx, c, w.Info.Name, env, "python ./watch.py", volumes, nil, 0, "host")
}

// Stop stops the watcher containers. Best effort.
func (w *Watcher) Stop(ctx context.Context, c *aws.Collection, d *Docker) {
	if w.AccessKey == "" {
		return
	}
	d.StopContainers(ctx, c, w.Info.Name, 5*time.Second)
}
