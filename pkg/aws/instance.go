package aws

import (
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"

	"github.com/stephendonner/loads-broker/pkg/docker"
)

// pendingGrace is how long an instance may sit in "pending" before it is
// considered perpetually stalled.
const pendingGrace = 2 * time.Minute

// State is the per-instance scratch record extensions attach data to. It
// replaces ad-hoc attribute attachment with explicit optional fields.
type State struct {
	// Docker is the container daemon client for this host, attached by the
	// docker extension's SetupCollection.
	Docker docker.Engine
	// DNSServer is the internal IP of the dnsmasq container, wired into
	// subsequent container launches as their resolver.
	DNSServer string
	// Nonresponsive marks an instance that failed readiness or lost
	// contact; it is skipped by all further fan-outs.
	Nonresponsive bool
	// LastResponse records when the daemon last answered.
	LastResponse time.Time
}

// Instance pairs a cloud instance with its mutable state bag.
type Instance struct {
	Region string
	State  *State

	cloud *ec2.Instance
}

// NewInstance wraps a cloud instance for the given region.
func NewInstance(region string, cloud *ec2.Instance) *Instance {
	return &Instance{Region: region, State: &State{}, cloud: cloud}
}

func (i *Instance) ID() string {
	return awssdk.StringValue(i.cloud.InstanceId)
}

func (i *Instance) Type() string {
	return awssdk.StringValue(i.cloud.InstanceType)
}

// CloudState returns the instance lifecycle state name (pending, running,
// terminated, ...).
func (i *Instance) CloudState() string {
	if i.cloud.State == nil {
		return ""
	}
	return awssdk.StringValue(i.cloud.State.Name)
}

func (i *Instance) PublicIP() string {
	return awssdk.StringValue(i.cloud.PublicIpAddress)
}

func (i *Instance) PrivateIP() string {
	return awssdk.StringValue(i.cloud.PrivateIpAddress)
}

func (i *Instance) LaunchTime() time.Time {
	return awssdk.TimeValue(i.cloud.LaunchTime)
}

// Tag returns the value of the named tag, or "" when absent.
func (i *Instance) Tag(key string) string {
	for _, t := range i.cloud.Tags {
		if awssdk.StringValue(t.Key) == key {
			return awssdk.StringValue(t.Value)
		}
	}
	return ""
}

// setCloud replaces the cloud view after a state refresh.
func (i *Instance) setCloud(cloud *ec2.Instance) {
	i.cloud = cloud
}

// Available reports whether the instance is usable for allocation.
// Instances are only usable if they are running, or have been pending for
// less than two minutes; pending beyond that is perpetually stalled and the
// instance is left for reaping.
func (i *Instance) Available(now time.Time) bool {
	switch i.CloudState() {
	case "running":
		return true
	case "pending":
		return now.Sub(i.LaunchTime()) < pendingGrace
	default:
		return false
	}
}
