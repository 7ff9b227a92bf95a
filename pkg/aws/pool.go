// Package aws maintains the multi-region pool of cloud instances backing
// load-test runs.
//
// The pool hands out Collections of instances for a (run, collection uuid)
// pair, recovers tagged survivors across process restarts, and terminates
// idle instances. No local state is authoritative; ownership is inferred
// from the RunId/Uuid tags managed on EC2.
package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	awssdk "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/aws/aws-sdk-go/service/ec2/ec2iface"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Regions the pool manages.
var Regions = []string{
	"ap-northeast-1", "ap-southeast-1", "ap-southeast-2",
	"eu-west-1",
	"sa-east-1",
	"us-east-1", "us-west-1", "us-west-2",
}

const (
	// DefaultOwnerID owns the stable AMIs the pool boots.
	DefaultOwnerID = "595879546273"

	projectTag = "loads"
)

// Options configure a Pool.
type Options struct {
	BrokerID  string
	AccessKey string
	SecretKey string
	// Endpoint overrides the EC2 endpoint, for test stacks.
	Endpoint string

	KeyPair  string
	Security string
	OwnerID  string
	UserData string
	MaxIdle  time.Duration

	// UseFilters is on in production; tests run with it off, which also
	// disables tagging.
	UseFilters bool

	Regions []string
}

func (o *Options) defaults() {
	if o.KeyPair == "" {
		o.KeyPair = "loads"
	}
	if o.Security == "" {
		o.Security = "loads"
	}
	if o.OwnerID == "" {
		o.OwnerID = DefaultOwnerID
	}
	if o.MaxIdle == 0 {
		o.MaxIdle = 10 * time.Minute
	}
	if len(o.Regions) == 0 {
		o.Regions = Regions
	}
}

type recoveryKey struct {
	runID string
	uuid  string
}

// Pool is the per-broker instance pool.
//
// The pool is NOT safe for concurrent invocation; the broker serializes
// calls. A concurrent entry is a programming error and panics.
type Pool struct {
	opts Options
	log  *zap.SugaredLogger

	svcs      map[string]ec2iface.EC2API
	amis      map[string]map[string]string // region -> virt type -> ami id
	free      map[string][]*Instance       // region -> unallocated
	recovered map[recoveryKey][]*Instance

	// newService is replaced under test.
	newService func(region string) (ec2iface.EC2API, error)

	busy int32
}

// NewPool creates a pool; call Initialize before requesting instances.
func NewPool(opts Options, log *zap.SugaredLogger) *Pool {
	opts.defaults()
	p := &Pool{
		opts:      opts,
		log:       log.With("broker_id", opts.BrokerID),
		svcs:      make(map[string]ec2iface.EC2API),
		amis:      make(map[string]map[string]string),
		free:      make(map[string][]*Instance),
		recovered: make(map[recoveryKey][]*Instance),
	}
	p.newService = p.dialRegion
	return p
}

func (p *Pool) enter() {
	if !atomic.CompareAndSwapInt32(&p.busy, 0, 1) {
		panic("aws: pool invoked concurrently")
	}
}

func (p *Pool) exit() {
	atomic.StoreInt32(&p.busy, 0)
}

func (p *Pool) dialRegion(region string) (ec2iface.EC2API, error) {
	cfg := awssdk.NewConfig().WithRegion(region)
	if p.opts.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(p.opts.AccessKey, p.opts.SecretKey, ""))
	}
	if p.opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(p.opts.Endpoint)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, err
	}
	return ec2.New(sess), nil
}

func (p *Pool) service(region string) (ec2iface.EC2API, error) {
	if svc, ok := p.svcs[region]; ok {
		return svc, nil
	}
	svc, err := p.newService(region)
	if err != nil {
		return nil, err
	}
	p.svcs[region] = svc
	return svc, nil
}

func (p *Pool) knownRegion(region string) bool {
	for _, r := range p.opts.Regions {
		if r == region {
			return true
		}
	}
	return false
}

func (p *Pool) nameTag() string {
	return "loads-" + p.opts.BrokerID
}

// Initialize resolves the stable AMIs for every region and recovers tagged
// survivors.
func (p *Pool) Initialize(ctx context.Context) error {
	p.enter()
	defer p.exit()

	p.log.Debug("pulling stable AMI info")
	if err := p.populateAMIs(ctx); err != nil {
		return err
	}
	return p.recover(ctx)
}

// populateAMIs queries each region for the owner's images, keeps those with
// "stable" in the name, and records the two highest-sorted: one HVM, one
// paravirtual.
func (p *Pool) populateAMIs(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	amis := make([]map[string]string, len(p.opts.Regions))
	for i, region := range p.opts.Regions {
		i, region := i, region
		svc, err := p.service(region)
		if err != nil {
			return err
		}
		g.Go(func() error {
			out, err := svc.DescribeImagesWithContext(gctx, &ec2.DescribeImagesInput{
				Owners: []*string{awssdk.String(p.opts.OwnerID)},
			})
			if err != nil {
				return err
			}

			var stable []*ec2.Image
			for _, img := range out.Images {
				if strings.Contains(awssdk.StringValue(img.Name), "stable") {
					stable = append(stable, img)
				}
			}
			sort.Slice(stable, func(a, b int) bool {
				return awssdk.StringValue(stable[a].Name) < awssdk.StringValue(stable[b].Name)
			})
			if len(stable) > 2 {
				stable = stable[len(stable)-2:]
			}

			byVirt := make(map[string]string, len(stable))
			for _, img := range stable {
				byVirt[awssdk.StringValue(img.VirtualizationType)] = awssdk.StringValue(img.ImageId)
			}
			amis[i] = byVirt
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, region := range p.opts.Regions {
		p.amis[region] = amis[i]
	}
	return nil
}

// getAMI returns the AMI to boot for a region and instance type. HVM is
// used except for the instance families that cannot: m1, m2, c1, t1.
func (p *Pool) getAMI(region, instanceType string) (string, error) {
	virt := "hvm"
	if len(instanceType) >= 2 {
		switch instanceType[:2] {
		case "m1", "m2", "c1", "t1":
			virt = "paravirtual"
		}
	}
	ami, ok := p.amis[region][virt]
	if !ok {
		return "", &MissingAMIError{Region: region, Virt: virt}
	}
	return ami, nil
}

// Recover rebuilds the free and recovery maps from tagged instances.
func (p *Pool) Recover(ctx context.Context) error {
	p.enter()
	defer p.exit()
	return p.recover(ctx)
}

func (p *Pool) recover(ctx context.Context) error {
	now := time.Now()
	total := 0
	for _, region := range p.opts.Regions {
		instances, err := p.listTagged(ctx, region)
		if err != nil {
			return err
		}
		total += len(instances)

		for _, inst := range instances {
			// Instances pending too long go to the free pool for later
			// reaping.
			if !inst.Available(now) {
				p.free[region] = append(p.free[region], inst)
				continue
			}
			runID, uuid := inst.Tag("RunId"), inst.Tag("Uuid")
			if runID != "" && uuid != "" {
				key := recoveryKey{runID, uuid}
				p.recovered[key] = append(p.recovered[key], inst)
			} else {
				p.free[region] = append(p.free[region], inst)
			}
		}
	}
	p.log.Debugw("recovered instances", "count", total)
	return nil
}

func (p *Pool) listTagged(ctx context.Context, region string) ([]*Instance, error) {
	svc, err := p.service(region)
	if err != nil {
		return nil, err
	}

	input := &ec2.DescribeInstancesInput{}
	if p.opts.UseFilters {
		input.Filters = []*ec2.Filter{
			{Name: awssdk.String("tag:Name"), Values: []*string{awssdk.String(p.nameTag())}},
			{Name: awssdk.String("tag:Project"), Values: []*string{awssdk.String(projectTag)}},
		}
	}

	var out []*Instance
	for {
		resp, err := svc.DescribeInstancesWithContext(ctx, input)
		if err != nil {
			return nil, err
		}
		for _, res := range resp.Reservations {
			for _, cloud := range res.Instances {
				out = append(out, NewInstance(region, cloud))
			}
		}
		if resp.NextToken == nil {
			break
		}
		input.NextToken = resp.NextToken
	}
	return out, nil
}

// RequestInstances allocates a collection of count instances for the
// (runID, uuid) pair, preferring recovered then pooled instances before
// asking the cloud for more.
func (p *Pool) RequestInstances(ctx context.Context, runID, uuid string, count int, instanceType, region string) (*Collection, error) {
	p.enter()
	defer p.exit()

	if !p.knownRegion(region) {
		return nil, &UnknownRegionError{Region: region}
	}
	svc, err := p.service(region)
	if err != nil {
		return nil, err
	}

	instances := p.takeRecovered(runID, uuid)
	instances = append(instances, p.takeExisting(count-len(instances), instanceType, region)...)

	if shortfall := count - len(instances); shortfall > 0 {
		created, err := p.allocate(ctx, svc, shortfall, instanceType, region)
		if err != nil {
			return nil, err
		}
		p.log.Debugw("allocated instances", "region", region, "count", len(created))
		instances = append(instances, created...)
	}

	if p.opts.UseFilters {
		err := p.tag(ctx, svc, instances, map[string]string{
			"Name":    p.nameTag(),
			"Project": projectTag,
			"RunId":   runID,
			"Uuid":    uuid,
		})
		if err != nil {
			return nil, err
		}
	}

	return NewCollection(runID, uuid, region, svc, instances, p.log), nil
}

// takeRecovered drains the recovery bucket for the pair, if any.
func (p *Pool) takeRecovered(runID, uuid string) []*Instance {
	key := recoveryKey{runID, uuid}
	instances := p.recovered[key]
	delete(p.recovered, key)
	return instances
}

// takeExisting removes up to count matching available instances from the
// region's free pool. Non-matching instances stay pooled.
//
// The historical implementation sliced the free list by a length that
// included non-matching instances, dropping unrelated pool entries and
// occasionally returning count+1; only the intent (never more than count)
// is preserved here.
func (p *Pool) takeExisting(count int, instanceType, region string) []*Instance {
	if count <= 0 {
		return nil
	}
	now := time.Now()
	var taken, remaining []*Instance
	for _, inst := range p.free[region] {
		if len(taken) < count && inst.Type() == instanceType && inst.Available(now) {
			taken = append(taken, inst)
		} else {
			remaining = append(remaining, inst)
		}
	}
	p.free[region] = remaining
	return taken
}

func (p *Pool) allocate(ctx context.Context, svc ec2iface.EC2API, count int, instanceType, region string) ([]*Instance, error) {
	ami, err := p.getAMI(region, instanceType)
	if err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:        awssdk.String(ami),
		MinCount:       awssdk.Int64(int64(count)),
		MaxCount:       awssdk.Int64(int64(count)),
		KeyName:        awssdk.String(p.opts.KeyPair),
		SecurityGroups: []*string{awssdk.String(p.opts.Security)},
		InstanceType:   awssdk.String(instanceType),
	}
	if p.opts.UserData != "" {
		input.UserData = awssdk.String(base64.StdEncoding.EncodeToString([]byte(p.opts.UserData)))
	}

	var reservation *ec2.Reservation
	err = retry(3, time.Second, func() error {
		var err error
		reservation, err = svc.RunInstancesWithContext(ctx, input)
		if err != nil && !transient(err) {
			return &abort{err}
		}
		return err
	})
	if err != nil {
		return nil, &ProvisionError{Region: region, Err: err}
	}

	instances := make([]*Instance, 0, len(reservation.Instances))
	for _, cloud := range reservation.Instances {
		instances = append(instances, NewInstance(region, cloud))
	}
	return instances, nil
}

func (p *Pool) tag(ctx context.Context, svc ec2iface.EC2API, instances []*Instance, tags map[string]string) error {
	if len(instances) == 0 {
		return nil
	}
	ids := make([]*string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, awssdk.String(inst.ID()))
	}
	ec2tags := make([]*ec2.Tag, 0, len(tags))
	for k, v := range tags {
		ec2tags = append(ec2tags, &ec2.Tag{Key: awssdk.String(k), Value: awssdk.String(v)})
	}
	_, err := svc.CreateTagsWithContext(ctx, &ec2.CreateTagsInput{
		Resources: ids,
		Tags:      ec2tags,
	})
	return err
}

// ReleaseInstances returns a collection's members to the region's free
// pool, emptying their RunId and Uuid tags. Members previously pruned from
// the collection are pooled as well so reaping can terminate them.
func (p *Pool) ReleaseInstances(ctx context.Context, c *Collection) error {
	p.enter()
	defer p.exit()

	members := append(append([]*Instance{}, c.Instances()...), c.Removed()...)

	if p.opts.UseFilters {
		svc, err := p.service(c.Region)
		if err != nil {
			return err
		}
		if err := p.tag(ctx, svc, members, map[string]string{"RunId": "", "Uuid": ""}); err != nil {
			return err
		}
	}

	p.free[c.Region] = append(p.free[c.Region], members...)
	return nil
}

// ReapInstances terminates everything in the free pools. The pool map is
// swapped out first; termination errors are logged and do not restore it.
func (p *Pool) ReapInstances(ctx context.Context) error {
	p.enter()
	defer p.exit()

	reap := p.free
	p.free = make(map[string][]*Instance)

	var merr *multierror.Error
	for region, instances := range reap {
		if len(instances) == 0 {
			continue
		}
		svc, err := p.service(region)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		ids := make([]*string, 0, len(instances))
		for _, inst := range instances {
			ids = append(ids, awssdk.String(inst.ID()))
		}
		_, err = svc.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
			InstanceIds: ids,
		})
		if err != nil {
			p.log.Errorw("failed to terminate instances", "region", region, "err", err)
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// FreeCount reports how many unallocated instances a region holds.
func (p *Pool) FreeCount(region string) int {
	return len(p.free[region])
}

// abort wraps an error that should not be retried.
type abort struct{ err error }

func (a *abort) Error() string { return a.err.Error() }

// transient reports whether a cloud API error is worth retrying.
func transient(err error) bool {
	var rf awserr.RequestFailure
	if errors.As(err, &rf) {
		return rf.StatusCode() >= 500
	}
	return true
}

// retry runs fn up to attempts times, doubling the delay between failures.
// An *abort error stops immediately.
func retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if a, ok := err.(*abort); ok {
			return a.err
		}
		if i < attempts-1 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return err
}
