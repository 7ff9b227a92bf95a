package aws

import (
	"context"
	"fmt"
	"testing"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeEC2 implements the slice of the EC2 API the pool touches.
type fakeEC2 struct {
	ec2iface.EC2API

	images    []*ec2.Image
	instances []*ec2.Instance

	runCalls  []*ec2.RunInstancesInput
	tagCalls  []*ec2.CreateTagsInput
	termCalls []*ec2.TerminateInstancesInput

	nextID int
}

func (f *fakeEC2) DescribeImagesWithContext(ctx awssdk.Context, in *ec2.DescribeImagesInput, opts ...request.Option) (*ec2.DescribeImagesOutput, error) {
	return &ec2.DescribeImagesOutput{Images: f.images}, nil
}

func (f *fakeEC2) DescribeInstancesWithContext(ctx awssdk.Context, in *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{
		Reservations: []*ec2.Reservation{{Instances: f.instances}},
	}, nil
}

func (f *fakeEC2) RunInstancesWithContext(ctx awssdk.Context, in *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error) {
	f.runCalls = append(f.runCalls, in)
	count := int(awssdk.Int64Value(in.MaxCount))
	instances := make([]*ec2.Instance, 0, count)
	for i := 0; i < count; i++ {
		f.nextID++
		instances = append(instances, cloudInstance(
			fmt.Sprintf("i-new%d", f.nextID),
			awssdk.StringValue(in.InstanceType),
			"pending", time.Now(), nil))
	}
	return &ec2.Reservation{Instances: instances}, nil
}

func (f *fakeEC2) CreateTagsWithContext(ctx awssdk.Context, in *ec2.CreateTagsInput, opts ...request.Option) (*ec2.CreateTagsOutput, error) {
	f.tagCalls = append(f.tagCalls, in)
	return &ec2.CreateTagsOutput{}, nil
}

func (f *fakeEC2) TerminateInstancesWithContext(ctx awssdk.Context, in *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	f.termCalls = append(f.termCalls, in)
	return &ec2.TerminateInstancesOutput{}, nil
}

func cloudInstance(id, instanceType, state string, launch time.Time, tags map[string]string) *ec2.Instance {
	inst := &ec2.Instance{
		InstanceId:   awssdk.String(id),
		InstanceType: awssdk.String(instanceType),
		State:        &ec2.InstanceState{Name: awssdk.String(state)},
		LaunchTime:   awssdk.Time(launch),
	}
	for k, v := range tags {
		inst.Tags = append(inst.Tags, &ec2.Tag{Key: awssdk.String(k), Value: awssdk.String(v)})
	}
	return inst
}

func testPool(t *testing.T, fake *fakeEC2, useFilters bool) *Pool {
	t.Helper()
	p := NewPool(Options{
		BrokerID:   "1234",
		UseFilters: useFilters,
		Regions:    []string{"us-west-2"},
	}, zap.NewNop().Sugar())
	p.newService = func(region string) (ec2iface.EC2API, error) {
		return fake, nil
	}
	p.amis["us-west-2"] = map[string]string{"hvm": "ami-hvm", "paravirtual": "ami-pv"}
	return p
}

func TestGetAMI(t *testing.T) {
	p := testPool(t, &fakeEC2{}, false)

	for _, instanceType := range []string{"m1.small", "m2.xlarge", "c1.medium", "t1.micro"} {
		ami, err := p.getAMI("us-west-2", instanceType)
		require.NoError(t, err)
		assert.Equal(t, "ami-pv", ami, instanceType)
	}
	for _, instanceType := range []string{"m3.medium", "c3.large", "r3.large", "t2.micro"} {
		ami, err := p.getAMI("us-west-2", instanceType)
		require.NoError(t, err)
		assert.Equal(t, "ami-hvm", ami, instanceType)
	}
}

func TestGetAMIMissing(t *testing.T) {
	p := testPool(t, &fakeEC2{}, false)
	p.amis["us-west-2"] = map[string]string{"hvm": "ami-hvm"}

	_, err := p.getAMI("us-west-2", "m1.small")
	var missing *MissingAMIError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "paravirtual", missing.Virt)
}

func TestPopulateAMIs(t *testing.T) {
	fake := &fakeEC2{
		images: []*ec2.Image{
			{ImageId: awssdk.String("ami-old"), Name: awssdk.String("CoreOS-stable-100"), VirtualizationType: awssdk.String("hvm")},
			{ImageId: awssdk.String("ami-beta"), Name: awssdk.String("CoreOS-beta-300"), VirtualizationType: awssdk.String("hvm")},
			{ImageId: awssdk.String("ami-h"), Name: awssdk.String("CoreOS-stable-200-hvm"), VirtualizationType: awssdk.String("hvm")},
			{ImageId: awssdk.String("ami-p"), Name: awssdk.String("CoreOS-stable-200-pv"), VirtualizationType: awssdk.String("paravirtual")},
		},
	}
	p := testPool(t, fake, false)

	require.NoError(t, p.populateAMIs(context.Background()))
	assert.Equal(t, map[string]string{"hvm": "ami-h", "paravirtual": "ami-p"}, p.amis["us-west-2"])
}

func TestAvailableInstance(t *testing.T) {
	now := time.Now()

	running := NewInstance("us-west-2", cloudInstance("i-1", "t1.micro", "running", now.Add(-time.Hour), nil))
	assert.True(t, running.Available(now))

	freshPending := NewInstance("us-west-2", cloudInstance("i-2", "t1.micro", "pending", now.Add(-time.Minute), nil))
	assert.True(t, freshPending.Available(now))

	stalePending := NewInstance("us-west-2", cloudInstance("i-3", "t1.micro", "pending", now.Add(-3*time.Minute), nil))
	assert.False(t, stalePending.Available(now))

	terminated := NewInstance("us-west-2", cloudInstance("i-4", "t1.micro", "terminated", now.Add(-time.Minute), nil))
	assert.False(t, terminated.Available(now))
}

func TestRequestInstancesEmptyPool(t *testing.T) {
	fake := &fakeEC2{}
	p := testPool(t, fake, true)

	coll, err := p.RequestInstances(context.Background(), "R1", "C1", 3, "t1.micro", "us-west-2")
	require.NoError(t, err)
	assert.Len(t, coll.Instances(), 3)

	require.Len(t, fake.runCalls, 1)
	assert.EqualValues(t, 3, awssdk.Int64Value(fake.runCalls[0].MinCount))
	assert.EqualValues(t, 3, awssdk.Int64Value(fake.runCalls[0].MaxCount))
	assert.Equal(t, "ami-pv", awssdk.StringValue(fake.runCalls[0].ImageId))

	require.Len(t, fake.tagCalls, 1)
	tags := tagMap(fake.tagCalls[0])
	assert.Equal(t, "loads-1234", tags["Name"])
	assert.Equal(t, "loads", tags["Project"])
	assert.Equal(t, "R1", tags["RunId"])
	assert.Equal(t, "C1", tags["Uuid"])
}

func TestRequestInstancesPrefersRecovered(t *testing.T) {
	fake := &fakeEC2{}
	p := testPool(t, fake, false)

	now := time.Now()
	i1 := NewInstance("us-west-2", cloudInstance("i-1", "t1.micro", "running", now, nil))
	i2 := NewInstance("us-west-2", cloudInstance("i-2", "t1.micro", "running", now, nil))
	p.recovered[recoveryKey{"R1", "C1"}] = []*Instance{i1, i2}

	coll, err := p.RequestInstances(context.Background(), "R1", "C1", 3, "t1.micro", "us-west-2")
	require.NoError(t, err)
	require.Len(t, coll.Instances(), 3)
	assert.Equal(t, "i-1", coll.Instances()[0].ID())
	assert.Equal(t, "i-2", coll.Instances()[1].ID())

	require.Len(t, fake.runCalls, 1, "exactly one allocation call")
	assert.EqualValues(t, 1, awssdk.Int64Value(fake.runCalls[0].MaxCount))
	assert.Empty(t, p.recovered, "recovery bucket drained")
}

func TestRequestInstancesTypeMismatch(t *testing.T) {
	fake := &fakeEC2{}
	p := testPool(t, fake, false)

	other := NewInstance("us-west-2", cloudInstance("i-m1", "m1.small", "running", time.Now(), nil))
	p.free["us-west-2"] = []*Instance{other}

	coll, err := p.RequestInstances(context.Background(), "R2", "C2", 1, "t1.micro", "us-west-2")
	require.NoError(t, err)
	require.Len(t, coll.Instances(), 1)
	assert.Equal(t, "t1.micro", coll.Instances()[0].Type())

	require.Len(t, p.free["us-west-2"], 1, "mismatched instance stays pooled")
	assert.Equal(t, "i-m1", p.free["us-west-2"][0].ID())
}

func TestRequestInstancesNeverOverReturns(t *testing.T) {
	fake := &fakeEC2{}
	p := testPool(t, fake, false)

	now := time.Now()
	var free []*Instance
	for i := 0; i < 5; i++ {
		free = append(free, NewInstance("us-west-2",
			cloudInstance(fmt.Sprintf("i-%d", i), "t1.micro", "running", now, nil)))
	}
	p.free["us-west-2"] = free

	coll, err := p.RequestInstances(context.Background(), "R1", "C1", 2, "t1.micro", "us-west-2")
	require.NoError(t, err)
	assert.Len(t, coll.Instances(), 2)
	assert.Len(t, p.free["us-west-2"], 3)
	assert.Empty(t, fake.runCalls)
}

func TestRequestInstancesUnknownRegion(t *testing.T) {
	p := testPool(t, &fakeEC2{}, false)

	_, err := p.RequestInstances(context.Background(), "R1", "C1", 1, "t1.micro", "mars-central-1")
	var unknown *UnknownRegionError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "mars-central-1", unknown.Region)
}

func TestRecoverRouting(t *testing.T) {
	now := time.Now()
	fake := &fakeEC2{
		instances: []*ec2.Instance{
			// Allocated and healthy: goes to the recovery bucket.
			cloudInstance("i-alloc", "t1.micro", "running", now, map[string]string{"RunId": "R1", "Uuid": "C1"}),
			// Free and healthy: back to the pool.
			cloudInstance("i-free", "t1.micro", "running", now, map[string]string{"RunId": "", "Uuid": ""}),
			// Pending too long: pooled for reaping even though tagged.
			cloudInstance("i-stale", "t1.micro", "pending", now.Add(-3*time.Minute), map[string]string{"RunId": "R1", "Uuid": "C1"}),
		},
	}
	p := testPool(t, fake, true)

	require.NoError(t, p.Recover(context.Background()))

	require.Len(t, p.recovered[recoveryKey{"R1", "C1"}], 1)
	assert.Equal(t, "i-alloc", p.recovered[recoveryKey{"R1", "C1"}][0].ID())

	ids := make([]string, 0, len(p.free["us-west-2"]))
	for _, inst := range p.free["us-west-2"] {
		ids = append(ids, inst.ID())
	}
	assert.ElementsMatch(t, []string{"i-free", "i-stale"}, ids)
}

func TestRecoveryCompleteness(t *testing.T) {
	now := time.Now()
	fake := &fakeEC2{
		instances: []*ec2.Instance{
			cloudInstance("i-alloc", "t1.micro", "running", now, map[string]string{"RunId": "R1", "Uuid": "C1"}),
		},
	}
	p := testPool(t, fake, true)
	require.NoError(t, p.Recover(context.Background()))

	coll, err := p.RequestInstances(context.Background(), "R1", "C1", 1, "t1.micro", "us-west-2")
	require.NoError(t, err)
	require.Len(t, coll.Instances(), 1)
	assert.Equal(t, "i-alloc", coll.Instances()[0].ID())
	assert.Empty(t, fake.runCalls, "no new instances created")
}

func TestStalledPendingReaped(t *testing.T) {
	now := time.Now()
	fake := &fakeEC2{
		instances: []*ec2.Instance{
			cloudInstance("i-stale", "t1.micro", "pending", now.Add(-3*time.Minute), nil),
		},
	}
	p := testPool(t, fake, true)
	require.NoError(t, p.Recover(context.Background()))
	require.Len(t, p.free["us-west-2"], 1)

	require.NoError(t, p.ReapInstances(context.Background()))
	require.Len(t, fake.termCalls, 1)
	assert.Equal(t, "i-stale", awssdk.StringValue(fake.termCalls[0].InstanceIds[0]))
	assert.Zero(t, p.FreeCount("us-west-2"))
}

func TestReleaseInstancesEmptiesTags(t *testing.T) {
	fake := &fakeEC2{}
	p := testPool(t, fake, true)

	coll, err := p.RequestInstances(context.Background(), "R1", "C1", 2, "t1.micro", "us-west-2")
	require.NoError(t, err)
	fake.tagCalls = nil

	require.NoError(t, p.ReleaseInstances(context.Background(), coll))

	require.Len(t, fake.tagCalls, 1)
	tags := tagMap(fake.tagCalls[0])
	assert.Equal(t, map[string]string{"RunId": "", "Uuid": ""}, tags)
	assert.Equal(t, 2, p.FreeCount("us-west-2"))
}

func tagMap(in *ec2.CreateTagsInput) map[string]string {
	out := make(map[string]string, len(in.Tags))
	for _, tag := range in.Tags {
		out[awssdk.StringValue(tag.Key)] = awssdk.StringValue(tag.Value)
	}
	return out
}
