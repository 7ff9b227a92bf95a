package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stephendonner/loads-broker/pkg/api"
	"github.com/stephendonner/loads-broker/pkg/store"
)

func testProject() *api.Project {
	return &api.Project{
		Name: "push-test",
		Plans: []*api.Plan{
			{Name: "disabled", Enabled: false},
			{
				Name:    "basic",
				Enabled: true,
				ContainerSets: []*api.ContainerSet{
					{Name: "a", ContainerName: "img-a:v1", RunMaxTime: 1,
						InstanceCount: 1, InstanceType: "t1.micro", InstanceRegion: "us-west-2"},
				},
			},
		},
	}
}

func TestSelectPlan(t *testing.T) {
	project := testProject()

	plan, err := selectPlan(project, "")
	require.NoError(t, err)
	assert.Equal(t, "basic", plan.Name, "first enabled plan wins")

	plan, err = selectPlan(project, "basic")
	require.NoError(t, err)
	assert.Equal(t, "basic", plan.Name)

	_, err = selectPlan(project, "disabled")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, err = selectPlan(project, "nope")
	require.ErrorAs(t, err, &cfgErr)

	_, err = selectPlan(&api.Project{Name: "empty"}, "")
	require.ErrorAs(t, err, &cfgErr)
}

func TestRunPlanToCompletion(t *testing.T) {
	st, err := store.OpenMemory()
	require.NoError(t, err)
	defer st.Close()

	pool := &fakePool{images: []string{"img-a:v1"}}
	b := New(pool, st, testHelpers(), time.Millisecond, zap.NewNop().Sugar())

	run, err := b.RunPlan(context.Background(), testProject(), "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, run.UUID)

	b.Wait(run.UUID)

	final, err := b.GetRun(run.UUID)
	require.NoError(t, err)
	assert.Equal(t, api.StateCompleted, final.State)
	assert.False(t, final.Aborted)

	runs, err := b.Runs()
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	assert.False(t, b.AbortRun(run.UUID), "completed runs are no longer abortable")
}
