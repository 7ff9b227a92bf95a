package extensions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/ping"
)

// CAdvisor runs the metrics collector side-car, pointed at InfluxDB.
type CAdvisor struct {
	Info   ContainerInfo
	influx *InfluxOptions
	log    *zap.SugaredLogger
}

func NewCAdvisor(info ContainerInfo, influx *InfluxOptions, log *zap.SugaredLogger) *CAdvisor {
	return &CAdvisor{Info: info, influx: influx, log: log}
}

// Configured reports whether a metrics sink was set up.
func (ca *CAdvisor) Configured() bool { return ca.influx != nil }

// Start launches cAdvisor on every instance and waits for its health
// endpoint.
func (ca *CAdvisor) Start(ctx context.Context, c *aws.Collection, d *Docker, pinger *ping.Pinger, databaseName string) {
	if ca.influx == nil {
		ca.log.Debug("influxdb not configured; skipping cadvisor")
		return
	}

	ca.log.Debugw("launching cadvisor", "database", databaseName)

	args := strings.Join([]string{
		"-storage_driver=influxdb",
		"-log_dir=/",
		"-storage_driver_db=" + databaseName,
		"-storage_driver_host=" + joinHostPort(ca.influx.Host, ca.influx.Port),
		"-storage_driver_user=" + ca.influx.User,
		"-storage_driver_password=" + ca.influx.Password,
		"-storage_driver_secure=" + secureFlag(ca.influx.Secure),
	}, " ")

	volumes := []api.VolumeMapping{
		{HostPath: "/", ContainerPath: "/rootfs", ReadOnly: true},
		{HostPath: "/var/run", ContainerPath: "/var/run"},
		{HostPath: "/sys", ContainerPath: "/sys", ReadOnly: true},
		{HostPath: "/var/lib/docker", ContainerPath: "/var/lib/docker", ReadOnly: true},
	}
	ports := []api.PortMapping{{HostPort: "8080", ContainerPort: "8080", Proto: "tcp"}}

	d.RunContainers(ctx, c, ca.Info.Name, "", args, volumes, ports, 0, "")

	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		return nil, pinger.Ping(ctx, fmt.Sprintf("http://%s:8080/healthz", inst.PublicIP()), ping.Options{})
	}, 0)
}

// Stop stops the collector containers. Best effort.
func (ca *CAdvisor) Stop(ctx context.Context, c *aws.Collection, d *Docker) {
	if ca.influx == nil {
		return
	}
	d.StopContainers(ctx, c, ca.Info.Name, 5*time.Second)
}

func secureFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
