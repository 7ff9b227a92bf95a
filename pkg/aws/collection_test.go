package aws

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCollection(n int) *Collection {
	instances := make([]*Instance, 0, n)
	for i := 0; i < n; i++ {
		instances = append(instances, NewInstance("us-west-2",
			cloudInstance(fmt.Sprintf("i-%d", i), "t1.micro", "running", time.Now(), nil)))
	}
	return NewCollection("R1", "C1", "us-west-2", nil, instances, zap.NewNop().Sugar())
}

func TestMapIsolation(t *testing.T) {
	c := testCollection(3)

	results := c.Map(context.Background(), func(ctx context.Context, inst *Instance) (interface{}, error) {
		switch inst.ID() {
		case "i-0":
			return nil, errors.New("boom")
		case "i-1":
			panic("kaboom")
		default:
			return "ok", nil
		}
	}, 0)

	require.Len(t, results, 3, "results length equals live-instance count")
	assert.Error(t, results[0].Err)
	assert.Error(t, results[1].Err)
	require.NoError(t, results[2].Err)
	assert.Equal(t, "ok", results[2].Value)
}

func TestMapSkipsNonresponsive(t *testing.T) {
	c := testCollection(3)
	c.Instances()[1].State.Nonresponsive = true

	var seen []string
	results := c.Map(context.Background(), func(ctx context.Context, inst *Instance) (interface{}, error) {
		seen = append(seen, inst.ID())
		return nil, nil
	}, 0)

	assert.Len(t, results, 2)
	assert.NotContains(t, seen, "i-1")
}

func TestMapDelaySpacesLaunches(t *testing.T) {
	c := testCollection(3)

	start := time.Now()
	c.Map(context.Background(), func(ctx context.Context, inst *Instance) (interface{}, error) {
		return nil, nil
	}, 20*time.Millisecond)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond, "successive launches spaced by delay")
}

func TestRunningInstances(t *testing.T) {
	c := testCollection(3)
	c.Instances()[0].State.Nonresponsive = true
	c.Instances()[1].setCloud(cloudInstance("i-1", "t1.micro", "pending", time.Now(), nil))

	running := c.RunningInstances()
	require.Len(t, running, 1)
	assert.Equal(t, "i-2", running[0].ID())
}

func TestRemoveInstances(t *testing.T) {
	c := testCollection(3)
	drop := []*Instance{c.Instances()[1]}

	c.RemoveInstances(drop)

	assert.Len(t, c.Instances(), 2)
	require.Len(t, c.Removed(), 1)
	assert.Equal(t, "i-1", c.Removed()[0].ID())
}

func TestExecuteRecoversPanic(t *testing.T) {
	c := testCollection(1)

	_, err := c.Execute(context.Background(), func(ctx context.Context, inst *Instance) (interface{}, error) {
		panic("single")
	}, c.Instances()[0])
	assert.Error(t, err)
}
