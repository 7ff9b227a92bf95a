package extensions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/aws"
)

// DNSMasq runs a DNS resolver container on every instance so workload
// containers can resolve the run's own hostnames.
type DNSMasq struct {
	Info   ContainerInfo
	docker *Docker
}

func NewDNSMasq(info ContainerInfo, d *Docker) *DNSMasq {
	return &DNSMasq{Info: info, docker: d}
}

// Start launches dnsmasq with one host-record per (hostname, ip) pair and
// records each container's internal IP on its instance as the DNS server
// for subsequent container launches.
func (m *DNSMasq) Start(ctx context.Context, c *aws.Collection, hostmap map[string][]string) {
	var records []string
	for name, ips := range hostmap {
		for _, ip := range ips {
			records = append(records, fmt.Sprintf("--host-record=%s,%s", name, ip))
		}
	}

	args := "/usr/sbin/dnsmasq -k " + strings.Join(records, " ")
	ports := []api.PortMapping{{HostPort: "53", ContainerPort: "53", Proto: "udp"}}

	results := m.docker.RunContainers(ctx, c, m.Info.Name, "", args, nil, ports, 0, "")

	for _, res := range results {
		if res.Err != nil || res.Instance.State.DNSServer != "" {
			continue
		}
		if info, ok := res.Value.(types.ContainerJSON); ok && info.NetworkSettings != nil {
			res.Instance.State.DNSServer = info.NetworkSettings.IPAddress
		}
	}
}

// Stop stops the resolver containers. Best effort.
func (m *DNSMasq) Stop(ctx context.Context, c *aws.Collection) {
	m.docker.StopContainers(ctx, c, m.Info.Name, 15*time.Second)
}
