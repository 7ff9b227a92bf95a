package aws

import (
	"errors"
	"fmt"
)

// ErrTimeout indicates a state or readiness wait expired.
var ErrTimeout = errors.New("timed out waiting for instance state")

// UnknownRegionError is returned when a request names a region the pool
// does not manage.
type UnknownRegionError struct {
	Region string
}

func (e *UnknownRegionError) Error() string {
	return fmt.Sprintf("unknown region: %s", e.Region)
}

// MissingAMIError is returned when no AMI of the required virtualization
// type was found for a region.
type MissingAMIError struct {
	Region string
	Virt   string
}

func (e *MissingAMIError) Error() string {
	return fmt.Sprintf("no %s AMI found for region %s", e.Virt, e.Region)
}

// ProvisionError wraps a cloud API refusal to create instances after
// retries.
type ProvisionError struct {
	Region string
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning instances in %s: %v", e.Region, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
