package relaysync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAliasLookup(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("Todo", NamespaceFuncs{}))
	assert.ErrorIs(t, reg.Register("todo", NamespaceFuncs{}), ErrInvalidInput)
	assert.ErrorIs(t, reg.Register("", NamespaceFuncs{}), ErrInvalidInput)

	require.NoError(t, reg.Alias("todo-replicache-flat", "todo"))
	assert.ErrorIs(t, reg.Alias("x", "missing"), ErrUnknownNamespace)
	assert.ErrorIs(t, reg.Alias("todo", "todo"), ErrInvalidInput)
	assert.ErrorIs(t, reg.Register("todo-replicache-flat", NamespaceFuncs{}), ErrInvalidInput)

	ns, name, ok := reg.Lookup("TODO-replicache-flat")
	require.True(t, ok)
	assert.NotNil(t, ns)
	assert.Equal(t, "todo", name)

	_, _, ok = reg.Lookup("diary")
	assert.False(t, ok)
	assert.Equal(t, []string{"todo"}, reg.Names())
}

func TestRegistryResolveOrder(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("todo", NamespaceFuncs{}))
	require.NoError(t, reg.Register("diary", NamespaceFuncs{}))
	reg.AddLegacyRules(LegacyRule{Namespace: "diary", GroupMarkers: []string{"diary"}})

	res := reg.Resolve(ResolveHint{ClientViewName: "todo", CookieNamespace: "diary", ClientGroupID: "diary-1"})
	assert.Equal(t, Resolution{Name: "todo", Source: ResolvedExplicit, Known: true}, res)

	res = reg.Resolve(ResolveHint{ClientViewName: "unknown", ClientGroupID: "diary-1"})
	assert.Equal(t, Resolution{Name: "unknown", Source: ResolvedExplicit, Known: false}, res)

	res = reg.Resolve(ResolveHint{CookieNamespace: "todo", ClientGroupID: "diary-1"})
	assert.Equal(t, Resolution{Name: "todo", Source: ResolvedCookie, Known: true}, res)

	res = reg.Resolve(ResolveHint{ClientGroupID: "my-DIARY-client"})
	assert.Equal(t, Resolution{Name: "diary", Source: ResolvedLegacy, Known: true}, res)

	res = reg.Resolve(ResolveHint{ClientGroupID: "anything"})
	assert.Equal(t, Resolution{Source: ResolvedNone}, res)
}

func TestNamespaceFuncsNilSafe(t *testing.T) {
	var ns Namespace = NamespaceFuncs{}
	require.NoError(t, ns.ApplyMutation(context.Background(), "u1", Mutation{ID: 1}))
	ops, err := ns.ProducePatch(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestInferLegacyNamespaceScoring(t *testing.T) {
	rules := []LegacyRule{
		{Namespace: "food", MutationNames: []string{"createEntry"}, ArgFields: []string{"price"}},
		{Namespace: "diary", MutationNames: []string{"createEntry"}, ArgFields: []string{"moodId"}},
	}
	name, ok := inferLegacyNamespace(rules, "", []Mutation{{Name: "createEntry", Args: []byte(`{"moodId":"m1"}`)}})
	require.True(t, ok)
	assert.Equal(t, "diary", name)

	_, ok = inferLegacyNamespace(rules, "", []Mutation{{Name: "createEntry", Args: []byte(`{}`)}})
	assert.False(t, ok)

	_, ok = inferLegacyNamespace(rules, "", nil)
	assert.False(t, ok)
}
