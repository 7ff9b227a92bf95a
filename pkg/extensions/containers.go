// Package extensions layers side-car behavior onto instance collections:
// container daemon bootstrap, log forwarding, metrics, DNS, and SSH host
// actions. Extensions never reach back into the run manager; they only
// mutate the collection they are given.
package extensions

import (
	"net"
	"strconv"
)

// ContainerInfo names a side-car container and an optional pre-exported
// image URL.
type ContainerInfo struct {
	Name string
	URL  string
}

// Default side-car images.
var (
	HekaInfo     = ContainerInfo{Name: "kitcambridge/heka:dev"}
	CAdvisorInfo = ContainerInfo{Name: "google/cadvisor:latest"}
	DNSMasqInfo  = ContainerInfo{Name: "andyshinn/dnsmasq:latest"}
	WatcherInfo  = ContainerInfo{Name: "loads/watcher:latest"}
)

// HekaOptions locate the central log collector.
type HekaOptions struct {
	Host   string
	Port   int
	Secure bool
}

// InfluxOptions locate the metrics database cAdvisor and Heka write to.
type InfluxOptions struct {
	Host     string
	Port     int
	User     string
	Password string
	Secure   bool
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
