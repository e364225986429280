package agentsvc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/agentsvc"
)

func TestSpawn_AssignsStableSandboxUUID(t *testing.T) {
	svc := agentsvc.New("", nil)
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	require.NotEmpty(t, a.SandboxUUID)

	info, err := svc.Info(a.AgentID)
	require.NoError(t, err)
	assert.Equal(t, a.SandboxUUID, info.SandboxUUID, "sandbox uuid must not change across lookups/turns")
}

func TestTerminate_CascadesToConstructs(t *testing.T) {
	svc := agentsvc.New("", nil)
	parent, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	child, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: parent.AgentID})
	require.NoError(t, err)

	require.NoError(t, svc.Terminate(context.Background(), parent.AgentID))

	parentInfo, err := svc.Info(parent.AgentID)
	require.NoError(t, err)
	assert.Equal(t, agentsvc.StatusTerminated, parentInfo.Status)

	childInfo, err := svc.Info(child.AgentID)
	require.NoError(t, err)
	assert.Equal(t, agentsvc.StatusTerminated, childInfo.Status)
}

func TestTerminate_UnknownOrAlreadyTerminatedIsIdempotent(t *testing.T) {
	svc := agentsvc.New("", nil)
	assert.NoError(t, svc.Terminate(context.Background(), "does-not-exist"))

	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	require.NoError(t, svc.Terminate(context.Background(), a.AgentID))
	assert.NoError(t, svc.Terminate(context.Background(), a.AgentID))
}

func TestAncestors_WalksParentChainNearestFirst(t *testing.T) {
	svc := agentsvc.New("", nil)
	gp, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	p, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: gp.AgentID})
	require.NoError(t, err)
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: p.AgentID})
	require.NoError(t, err)

	ancestors := svc.Ancestors(a.AgentID)
	require.Equal(t, []string{p.AgentID, gp.AgentID}, ancestors)
}

func TestListConstructs_ReturnsOnlyDirectChildren(t *testing.T) {
	svc := agentsvc.New("", nil)
	parent, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	child, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: parent.AgentID})
	require.NoError(t, err)
	_, err = svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default", ParentID: child.AgentID})
	require.NoError(t, err)

	constructs := svc.ListConstructs(parent.AgentID)
	assert.Equal(t, []string{child.AgentID}, constructs)
}

func TestUpdateComposition_ChangesProfile(t *testing.T) {
	svc := agentsvc.New("", nil)
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)

	updated, err := svc.UpdateComposition(a.AgentID, "researcher")
	require.NoError(t, err)
	assert.Equal(t, "researcher", updated.Profile)
}

type fakePromptResolver struct {
	prompt string
	err    error
}

func (f fakePromptResolver) Resolve(name string, variables map[string]any) (string, error) {
	return f.prompt, f.err
}

func TestSpawn_PopulatesResolvedPromptFromResolver(t *testing.T) {
	svc := agentsvc.New("", nil, agentsvc.WithPromptResolver(fakePromptResolver{prompt: "hello agent"}))
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err)
	assert.Equal(t, "hello agent", a.ResolvedPrompt)
}

func TestSpawn_ResolverErrorLeavesPromptEmpty(t *testing.T) {
	svc := agentsvc.New("", nil, agentsvc.WithPromptResolver(fakePromptResolver{err: assert.AnError}))
	a, err := svc.Spawn(context.Background(), agentsvc.SpawnRequest{Profile: "default"})
	require.NoError(t, err, "a resolver failure must not fail the spawn itself")
	assert.Empty(t, a.ResolvedPrompt)
}
