package namespaces

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

func mutation(id uint64, name, args string) relaysync.Mutation {
	return relaysync.Mutation{ClientID: "c1", ID: id, Name: name, Args: json.RawMessage(args)}
}

func TestKeyValueCreateUpdateDelete(t *testing.T) {
	kv := NewKeyValue("todo", KeyValueOptions{Kinds: map[string]string{"task": "task"}})
	ctx := context.Background()

	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(1, "createTask", `{"id":"t1","title":"milk","completed":false}`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(2, "updateTask", `{"id":"t1","completed":true}`)))

	value, ok := kv.Get("u1", "task/t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"id":"t1","title":"milk","completed":true}`, string(value))

	ops, err := kv.ProducePatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, relaysync.PatchOpPut, ops[0].Op)
	assert.Equal(t, "task/t1", ops[0].Key)

	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(3, "deleteTask", `{"id":"t1"}`)))
	ops, err = kv.ProducePatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, relaysync.PatchOp{Op: relaysync.PatchOpDel, Key: "task/t1"}, ops[0])
}

func TestKeyValueIsolatesUsers(t *testing.T) {
	kv := NewKeyValue("ideas", KeyValueOptions{Kinds: map[string]string{"idea": "idea"}})
	ctx := context.Background()
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(1, "createIdea", `{"id":"i1"}`)))

	ops, err := kv.ProducePatch(ctx, "u2")
	require.NoError(t, err)
	assert.Empty(t, ops)
	assert.NotNil(t, ops)
}

func TestKeyValueIgnoresUnknownAndMalformedMutations(t *testing.T) {
	kv := NewKeyValue("diary", KeyValueOptions{Kinds: map[string]string{"entry": "diary-entry"}})
	ctx := context.Background()

	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(1, "archiveEntry", `{"id":"e1"}`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(2, "createWidget", `{"id":"w1"}`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(3, "createEntry", `[1,2,3]`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(4, "updateEntry", `{"id":"missing","title":"x"}`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(5, "deleteEntry", `{}`)))

	ops, err := kv.ProducePatch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestKeyValueCreateWithoutIDGeneratesOne(t *testing.T) {
	kv := NewKeyValue("food", KeyValueOptions{Kinds: map[string]string{"entry": "food-entry"}})
	require.NoError(t, kv.ApplyMutation(context.Background(), "u1", mutation(1, "createEntry", `{"name":"soup"}`)))

	ops, err := kv.ProducePatch(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Regexp(t, `^food-entry/[0-9a-f-]{36}$`, ops[0].Key)
}

func TestKeyValueDropsExpiredTombstones(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	kv := NewKeyValue("todo", KeyValueOptions{
		Kinds:        map[string]string{"list": "list"},
		TombstoneTTL: time.Hour,
		Now:          func() time.Time { return now },
	})
	ctx := context.Background()
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(1, "createList", `{"id":"l1"}`)))
	require.NoError(t, kv.ApplyMutation(ctx, "u1", mutation(2, "deleteList", `{"id":"l1"}`)))

	ops, err := kv.ProducePatch(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, ops, 1)

	now = now.Add(2 * time.Hour)
	ops, err = kv.ProducePatch(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestKeyValueWritesWaitForCommit(t *testing.T) {
	kv := NewKeyValue("todo", KeyValueOptions{Kinds: map[string]string{"item": "item"}})
	store := relaysync.NewMemoryProgressStore()
	ctx := context.Background()
	req := relaysync.CommitRequest{UserID: "u1", ClientID: "c1", Namespace: "todo", SequenceID: 2}

	_, err := store.CommitMutation(ctx, req, func(ctx context.Context) error {
		return kv.ApplyMutation(ctx, "u1", mutation(2, "createItem", `{"id":"x"}`))
	})
	require.ErrorIs(t, err, relaysync.ErrSequenceGap)
	_, ok := kv.Get("u1", "item/x")
	assert.False(t, ok)

	req.SequenceID = 1
	outcome, err := store.CommitMutation(ctx, req, func(ctx context.Context) error {
		return kv.ApplyMutation(ctx, "u1", mutation(1, "createItem", `{"id":"x"}`))
	})
	require.NoError(t, err)
	assert.Equal(t, relaysync.CommitApplied, outcome)
	_, ok = kv.Get("u1", "item/x")
	assert.True(t, ok)
}

func TestSplitMutationName(t *testing.T) {
	cases := []struct {
		name string
		verb verb
		noun string
	}{
		{"createItem", verbPut, "Item"},
		{"updateEntry", verbUpdate, "Entry"},
		{"delete_idea", verbDelete, "idea"},
		{"removeTask", verbDelete, "Task"},
		{"upsertList", verbPut, "List"},
		{"create", verbUnknown, ""},
		{"archiveTask", verbUnknown, ""},
	}
	for _, tc := range cases {
		v, noun := splitMutationName(tc.name)
		assert.Equal(t, tc.verb, v, tc.name)
		assert.Equal(t, tc.noun, noun, tc.name)
	}
}
