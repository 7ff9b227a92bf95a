package extensions

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
	"github.com/stephendonner/loads-broker/pkg/ping"
	"github.com/stephendonner/loads-broker/pkg/sshx"
)

// Heka containers on each instance forward messages to a central collector
// via TcpOutput, optionally teeing stats into InfluxDB.
var hekaConfig = template.Must(template.New("heka").Parse(`[hekad]
maxprocs = 2
base_dir = "/heka/cache"
hostname = "{{.Hostname}}"

[StatsdInput]

[StatAccumInput]
ticker_interval = 1

[DockerLogInput]
decoder = "DockerDecoder"

[DockerDecoder]
type = "MultiDecoder"
subs = ["JsonDecoder"]

[JsonDecoder]
type = "SandboxDecoder"
filename = "lua_decoders/json.lua"

[TcpOutput]
address = "{{.RemoteAddr}}"
use_tls = {{.RemoteSecure}}
message_matcher = "Type !~ /^heka/"
{{if .InfluxAddr}}
[InfluxOutput]
type = "HttpOutput"
message_matcher = "Type == 'heka.statmetric'"
address = "http://{{.InfluxAddr}}/db/{{.InfluxDB}}/series"
encoder = "InfluxEncoder"

[InfluxEncoder]
type = "StatMetricInfluxEncoder"
{{end}}`))

type hekaConfigData struct {
	Hostname     string
	RemoteAddr   string
	RemoteSecure string
	InfluxAddr   string
	InfluxDB     string
}

const hekaConfigPath = "/home/core/heka/config.toml"

// Heka manages the log-forwarder side-car.
type Heka struct {
	Info   ContainerInfo
	ssh    *sshx.Runner
	opts   *HekaOptions
	influx *InfluxOptions
	log    *zap.SugaredLogger
}

func NewHeka(info ContainerInfo, ssh *sshx.Runner, opts *HekaOptions, influx *InfluxOptions, log *zap.SugaredLogger) *Heka {
	return &Heka{Info: info, ssh: ssh, opts: opts, influx: influx, log: log}
}

// Configured reports whether a central collector was set up.
func (h *Heka) Configured() bool { return h.opts != nil }

// Start uploads a rendered config to every instance, launches the
// container with host pid mode, and waits for its HTTP endpoint.
func (h *Heka) Start(ctx context.Context, c *aws.Collection, d *Docker, pinger *ping.Pinger, databaseName, series string) {
	if h.opts == nil {
		h.log.Debug("heka not configured")
		return
	}

	seriesName := ""
	if series != "" {
		seriesName = series + "."
	}

	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		data := hekaConfigData{
			Hostname:     seriesName + strings.ReplaceAll(inst.PublicIP(), ".", "_"),
			RemoteAddr:   joinHostPort(h.opts.Host, h.opts.Port),
			RemoteSecure: boolStr(h.opts.Secure),
		}
		if h.influx != nil {
			data.InfluxAddr = joinHostPort(h.influx.Host, h.influx.Port)
			data.InfluxDB = databaseName
		}

		var buf bytes.Buffer
		if err := hekaConfig.Execute(&buf, data); err != nil {
			return nil, err
		}
		return nil, h.ssh.UploadFile(inst.PublicIP(), &buf, hekaConfigPath)
	}, 0)

	h.log.Debug("launching heka")
	volumes := []api.VolumeMapping{{HostPath: "/home/core/heka", ContainerPath: "/heka"}}
	ports := []api.PortMapping{
		{HostPort: "8125", ContainerPort: "8125", Proto: "udp"},
		{HostPort: "4352", ContainerPort: "4352", Proto: "tcp"},
	}
	d.RunContainers(ctx, c, h.Info.Name, "", "hekad -config=/heka/config.toml", volumes, ports, 0, "host")

	c.Map(ctx, func(ctx context.Context, inst *aws.Instance) (interface{}, error) {
		return nil, pinger.Ping(ctx, fmt.Sprintf("http://%s:4352/", inst.PublicIP()), ping.Options{})
	}, 0)
}

// Stop stops the forwarder containers. Best effort.
func (h *Heka) Stop(ctx context.Context, c *aws.Collection, d *Docker) {
	if h.opts == nil {
		return
	}
	d.StopContainers(ctx, c, h.Info.Name, 15*time.Second)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
