package aws

import (
	"context"
	"fmt"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"go.uber.org/zap"
)

// Collection groups the instances assigned to one (run, collection uuid)
// pair. Its instances are homogeneous in region and instance type.
type Collection struct {
	RunID string
	UUID  string

	Region string

	svc ec2iface.EC2API
	log *zap.SugaredLogger

	instances []*Instance
	removed   []*Instance
}

// NewCollection assembles a collection over already-tagged instances.
func NewCollection(runID, uuid, region string, svc ec2iface.EC2API, instances []*Instance, log *zap.SugaredLogger) *Collection {
	return &Collection{
		RunID:     runID,
		UUID:      uuid,
		Region:    region,
		svc:       svc,
		log:       log.With("run_id", runID, "collection", uuid),
		instances: instances,
	}
}

// Instances returns the current members.
func (c *Collection) Instances() []*Instance {
	return c.instances
}

// Live returns members not marked nonresponsive.
func (c *Collection) Live() []*Instance {
	var out []*Instance
	for _, inst := range c.instances {
		if !inst.State.Nonresponsive {
			out = append(out, inst)
		}
	}
	return out
}

// RunningInstances returns live members whose cloud state is running.
func (c *Collection) RunningInstances() []*Instance {
	var out []*Instance
	for _, inst := range c.Live() {
		if inst.CloudState() == "running" {
			out = append(out, inst)
		}
	}
	return out
}

// RemoveInstances drops the given members from the collection, holding them
// aside for later reaping.
func (c *Collection) RemoveInstances(drop []*Instance) {
	if len(drop) == 0 {
		return
	}
	gone := make(map[*Instance]bool, len(drop))
	for _, inst := range drop {
		gone[inst] = true
	}
	var kept []*Instance
	for _, inst := range c.instances {
		if gone[inst] {
			c.removed = append(c.removed, inst)
		} else {
			kept = append(kept, inst)
		}
	}
	c.instances = kept
	c.log.Debugw("removed instances from collection", "count", len(drop), "remaining", len(kept))
}

// Removed returns members dropped from the collection, awaiting reaping.
func (c *Collection) Removed() []*Instance {
	return c.removed
}

// Result is the outcome of one per-instance operation in a fan-out.
type Result struct {
	Instance *Instance
	Value    interface{}
	Err      error
}

// MapFunc is an operation applied to a single instance.
type MapFunc func(ctx context.Context, inst *Instance) (interface{}, error)

// Map applies fn to every live instance concurrently and returns the
// results in input order. When delay is non-zero, successive launches are
// spaced by delay. A failure (error or panic) in one instance's fn is
// recorded in its Result and never aborts its peers.
func (c *Collection) Map(ctx context.Context, fn MapFunc, delay time.Duration) []Result {
	live := c.Live()
	results := make([]Result, len(live))

	done := make(chan int, len(live))
	for i, inst := range live {
		i, inst := i, inst
		go func() {
			defer func() { done <- i }()
			results[i].Instance = inst
			if delay > 0 && i > 0 {
				select {
				case <-time.After(delay * time.Duration(i)):
				case <-ctx.Done():
					results[i].Err = ctx.Err()
					return
				}
			}
			results[i].Value, results[i].Err = c.call(ctx, fn, inst)
		}()
	}
	for range live {
		<-done
	}

	for _, r := range results {
		if r.Err != nil {
			c.log.Debugw("instance operation failed", "instance", r.Instance.ID(), "err", r.Err)
		}
	}
	return results
}

// Execute applies fn to a single instance with the same failure isolation
// as Map.
func (c *Collection) Execute(ctx context.Context, fn MapFunc, inst *Instance) (interface{}, error) {
	return c.call(ctx, fn, inst)
}

func (c *Collection) call(ctx context.Context, fn MapFunc, inst *Instance) (v interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in instance operation: %v", r)
		}
	}()
	return fn(ctx, inst)
}

// Wait sleeps cooperatively for the given duration.
func (c *Collection) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForState refreshes cloud state until every live member reaches the
// target state or the timeout expires. Members that never arrive are marked
// nonresponsive; if any were, ErrTimeout is returned.
func (c *Collection) WaitForState(ctx context.Context, state string, interval, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		pending := c.notInState(state)
		if len(pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, inst := range pending {
				c.log.Warnw("instance never reached state", "instance", inst.ID(), "state", state)
				inst.State.Nonresponsive = true
			}
			return ErrTimeout
		}
		if err := c.refresh(ctx, pending); err != nil {
			// The API can fail to see very young instances; retry on the
			// next interval.
			c.log.Debugw("state refresh failed", "err", err)
		}
		if len(c.notInState(state)) == 0 {
			return nil
		}
		if err := c.Wait(ctx, interval); err != nil {
			return err
		}
	}
}

func (c *Collection) notInState(state string) []*Instance {
	var out []*Instance
	for _, inst := range c.Live() {
		if inst.CloudState() != state {
			out = append(out, inst)
		}
	}
	return out
}

func (c *Collection) refresh(ctx context.Context, instances []*Instance) error {
	byID := make(map[string]*Instance, len(instances))
	ids := make([]*string, 0, len(instances))
	for _, inst := range instances {
		byID[inst.ID()] = inst
		ids = append(ids, awssdk.String(inst.ID()))
	}

	out, err := c.svc.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: ids,
	})
	if err != nil {
		return err
	}
	for _, res := range out.Reservations {
		for _, cloud := range res.Instances {
			if inst, ok := byID[awssdk.StringValue(cloud.InstanceId)]; ok {
				inst.setCloud(cloud)
			}
		}
	}
	return nil
}
