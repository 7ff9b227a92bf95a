package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Project is the top level of a plan document. It names the project and
// carries one or more load-test plans.
type Project struct {
	Name  string  `json:"name"`
	Plans []*Plan `json:"plans"`
}

// Plan describes a single load-test strategy: an ordered list of container
// sets to run against a cluster.
type Plan struct {
	Name          string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	Enabled       bool            `json:"enabled"`
	ContainerSets []*ContainerSet `json:"container_sets"`
}

// ContainerSet represents container running information for one homogeneous
// batch of instances:
//
//   - what container to run ('user/load:latest')
//   - how many instances to run it on, of which type, in which region
//   - maximum amount of time the containers should run
//   - delay after the run has started before this set may launch
type ContainerSet struct {
	Name string `json:"name"`

	// Triggering data, in seconds relative to the run and set starts.
	RunDelay   int `json:"run_delay"`
	RunMaxTime int `json:"run_max_time"`

	InstanceRegion string `json:"instance_region"`
	InstanceType   string `json:"instance_type"`
	InstanceCount  int    `json:"instance_count"`

	ContainerName string `json:"container_name"`
	// ContainerURL points at a pre-exported image (`docker save`) to import
	// instead of pulling ContainerName from the registry.
	ContainerURL string `json:"container_url,omitempty"`

	// EnvironmentData and AdditionalCommandArgs are interpolated with the
	// per-instance environment before the container runs.
	EnvironmentData       EnvLines `json:"environment_data"`
	AdditionalCommandArgs string   `json:"additional_command_args"`

	DNSName       string `json:"dns_name,omitempty"`
	PortMapping   string `json:"port_mapping,omitempty"`
	VolumeMapping string `json:"volume_mapping,omitempty"`
	DockerSeries  string `json:"docker_series,omitempty"`
}

// EnvLines is a newline-delimited environment block. Plan documents may
// supply it either as a JSON list of "KEY=value" strings or as a single
// newline-delimited string.
type EnvLines string

func (e *EnvLines) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*e = EnvLines(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("environment_data must be a string or list of strings")
	}
	*e = EnvLines(strings.Join(list, "\n"))
	return nil
}

func (e EnvLines) String() string { return string(e) }

// ParseProject decodes a plan document and applies the column defaults the
// database layer would otherwise supply.
func ParseProject(data []byte) (*Project, error) {
	p := new(Project)
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("invalid plan document: %w", err)
	}
	if p.Name == "" {
		return nil, fmt.Errorf("plan document has no name")
	}
	for _, plan := range p.Plans {
		for _, cs := range plan.ContainerSets {
			cs.applyDefaults()
			if cs.ContainerName == "" {
				return nil, fmt.Errorf("container set %q has no container_name", cs.Name)
			}
		}
	}
	return p, nil
}

func (cs *ContainerSet) applyDefaults() {
	if cs.InstanceRegion == "" {
		cs.InstanceRegion = "us-west-2"
	}
	if cs.InstanceType == "" {
		cs.InstanceType = "t1.micro"
	}
	if cs.InstanceCount == 0 {
		cs.InstanceCount = 1
	}
	if cs.RunMaxTime == 0 {
		cs.RunMaxTime = 600
	}
}

// PortMapping is one host-to-container port binding.
type PortMapping struct {
	HostPort      string
	ContainerPort string
	Proto         string
}

// ParsePorts parses a "host:cont,host:cont,…" mapping string. An entry may
// carry a "/udp" suffix on the container port.
func ParsePorts(s string) ([]PortMapping, error) {
	if s == "" {
		return nil, nil
	}
	var out []PortMapping
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid port mapping %q", entry)
		}
		proto := "tcp"
		cont := parts[1]
		if i := strings.IndexByte(cont, '/'); i >= 0 {
			proto = cont[i+1:]
			cont = cont[:i]
		}
		out = append(out, PortMapping{HostPort: parts[0], ContainerPort: cont, Proto: proto})
	}
	return out, nil
}

// VolumeMapping is one host-to-container bind mount.
type VolumeMapping struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ParseVolumes parses a "host:cont[:ro],…" mapping string.
func ParseVolumes(s string) ([]VolumeMapping, error) {
	if s == "" {
		return nil, nil
	}
	var out []VolumeMapping
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("invalid volume mapping %q", entry)
		}
		vm := VolumeMapping{HostPath: parts[0], ContainerPath: parts[1]}
		if len(parts) == 3 {
			if parts[2] != "ro" && parts[2] != "rw" {
				return nil, fmt.Errorf("invalid volume mode %q in %q", parts[2], entry)
			}
			vm.ReadOnly = parts[2] == "ro"
		}
		out = append(out, vm)
	}
	return out, nil
}
