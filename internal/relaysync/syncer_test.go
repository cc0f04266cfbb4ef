package relaysync

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// itemNamespace stores createItem/deleteItem mutations as item/<id> keys.
type itemNamespace struct {
	mu       sync.Mutex
	items    map[string]map[string]json.RawMessage
	failName string
	patchErr error
}

func newItemNamespace() *itemNamespace {
	return &itemNamespace{items: map[string]map[string]json.RawMessage{}}
}

func (n *itemNamespace) ApplyMutation(ctx context.Context, userID string, m Mutation) error {
	if m.Name == n.failName {
		return errors.New("collaborator rejected " + m.Name)
	}
	var args struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(m.Args, &args); err != nil {
		return err
	}
	write := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if n.items[userID] == nil {
			n.items[userID] = map[string]json.RawMessage{}
		}
		switch m.Name {
		case "createItem":
			n.items[userID]["item/"+args.ID] = m.Args
		case "deleteItem":
			delete(n.items[userID], "item/"+args.ID)
		}
	}
	if !OnCommit(ctx, write) {
		write()
	}
	return nil
}

func (n *itemNamespace) ProducePatch(_ context.Context, userID string) ([]PatchOp, error) {
	if n.patchErr != nil {
		return nil, n.patchErr
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	keys := make([]string, 0, len(n.items[userID]))
	for key := range n.items[userID] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	ops := make([]PatchOp, 0, len(keys))
	for _, key := range keys {
		ops = append(ops, PatchOp{Op: PatchOpPut, Key: key, Value: n.items[userID][key]})
	}
	return ops, nil
}

func newTestSyncer(t *testing.T) (*Syncer, *itemNamespace) {
	t.Helper()
	reg := NewRegistry()
	ns := newItemNamespace()
	require.NoError(t, reg.Register("todo", ns))
	s := New(Options{Registry: reg})
	t.Cleanup(func() { _ = s.Close() })
	return s, ns
}

func pushItems(clientID string, ids ...uint64) PushRequest {
	req := PushRequest{ClientGroupID: "g1", ClientView: &ClientView{Name: "todo", ID: clientID}}
	for _, id := range ids {
		args, _ := json.Marshal(map[string]any{"id": clientID + "-" + string(rune('a'+id))})
		req.Mutations = append(req.Mutations, Mutation{ID: id, Name: "createItem", Args: args})
	}
	return req
}

func mustCookie(t *testing.T, raw string) *Cookie {
	t.Helper()
	cookie, err := ParseCookie(raw)
	require.NoError(t, err)
	require.NotNil(t, cookie)
	return cookie
}

func TestPushIsIdempotent(t *testing.T) {
	s, ns := newTestSyncer(t)
	ctx := context.Background()

	resp, err := s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"A": 1}, resp.LastMutationIDChanges)

	resp, err = s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"A": 1}, resp.LastMutationIDChanges)
	assert.Len(t, ns.items["u1"], 1)
	assert.Equal(t, uint64(1), mustCookie(t, resp.Cookie).LastMutationID)
}

func TestPushSortsMutations(t *testing.T) {
	s, ns := newTestSyncer(t)
	req := pushItems("A", 3, 1, 2)

	resp, err := s.Push(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), resp.LastMutationIDChanges["A"])
	assert.Len(t, ns.items["u1"], 3)
}

func TestPushGapIsRejected(t *testing.T) {
	s, ns := newTestSyncer(t)
	ctx := context.Background()

	resp, err := s.Push(ctx, "u1", pushItems("A", 5))
	require.ErrorIs(t, err, ErrSequenceGap)
	assert.Empty(t, resp.LastMutationIDChanges)
	assert.Empty(t, ns.items["u1"])

	progress, err := s.Store().GetProgress(ctx, "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), progress.LastAppliedSequenceID)

	resp, err = s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.LastMutationIDChanges["A"])
}

func TestPushCommitsPrefixBeforeFailure(t *testing.T) {
	s, ns := newTestSyncer(t)
	ns.failName = "explode"
	sub, err := s.Broadcaster().Subscribe("u1")
	require.NoError(t, err)

	req := pushItems("A", 1, 2)
	req.Mutations = append(req.Mutations, Mutation{ID: 3, Name: "explode", Args: json.RawMessage(`{}`)})
	req.Mutations = append(req.Mutations, pushItems("A", 4).Mutations...)

	resp, err := s.Push(context.Background(), "u1", req)
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Equal(t, map[string]uint64{"A": 2}, resp.LastMutationIDChanges)
	assert.Equal(t, uint64(2), mustCookie(t, resp.Cookie).LastMutationID)
	assert.Len(t, ns.items["u1"], 2)
	assert.Equal(t, ReasonPush, receive(t, sub).Reason)
	assertNoEvent(t, sub)
}

func TestPushPublishesOncePerBatch(t *testing.T) {
	s, _ := newTestSyncer(t)
	sub, err := s.Broadcaster().Subscribe("u1")
	require.NoError(t, err)

	_, err = s.Push(context.Background(), "u1", pushItems("A", 1, 2, 3))
	require.NoError(t, err)
	receive(t, sub)
	assertNoEvent(t, sub)

	_, err = s.Push(context.Background(), "u1", pushItems("A", 1, 2, 3))
	require.NoError(t, err)
	assertNoEvent(t, sub)
}

func TestPushAcrossClients(t *testing.T) {
	s, _ := newTestSyncer(t)
	req := pushItems("A", 1)
	req.Mutations = append(req.Mutations,
		Mutation{ClientID: "B", ID: 2, Name: "createItem", Args: json.RawMessage(`{"id":"b2"}`)},
		Mutation{ClientID: "B", ID: 1, Name: "createItem", Args: json.RawMessage(`{"id":"b1"}`)},
	)
	resp, err := s.Push(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"A": 1, "B": 2}, resp.LastMutationIDChanges)
	assert.Equal(t, "A", mustCookie(t, resp.Cookie).ClientID)
}

func TestPushUnknownNamespaceAdvancesProgress(t *testing.T) {
	s, ns := newTestSyncer(t)
	req := pushItems("A", 1)
	req.ClientView.Name = "calendar"

	resp, err := s.Push(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.LastMutationIDChanges["A"])
	assert.Empty(t, ns.items["u1"])
}

func TestPushRequiresUserAndClient(t *testing.T) {
	s, _ := newTestSyncer(t)
	_, err := s.Push(context.Background(), "", pushItems("A", 1))
	assert.ErrorIs(t, err, ErrAuthRequired)

	_, err = s.Push(context.Background(), "u1", PushRequest{Mutations: []Mutation{{ID: 1, Name: "createItem"}}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestPullReflectsPush(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()
	_, err := s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)

	resp, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: &ClientView{Name: "todo", ID: "A"}})
	require.NoError(t, err)
	require.Len(t, resp.Patch, 1)
	assert.Equal(t, PatchOpPut, resp.Patch[0].Op)
	assert.Equal(t, "item/A-b", resp.Patch[0].Key)
	assert.Equal(t, map[string]uint64{"A": 1}, resp.LastMutationIDChanges)

	cookie := mustCookie(t, resp.Cookie)
	assert.Equal(t, uint64(1), cookie.LastMutationID)
	assert.Equal(t, "todo", cookie.Namespace)
	assert.Equal(t, "A", cookie.ClientID)
}

func TestPullCookieMatchesOwnProgress(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()
	_, err := s.Push(ctx, "u1", pushItems("A", 1, 2))
	require.NoError(t, err)

	first, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: &ClientView{Name: "todo", ID: "B"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), mustCookie(t, first.Cookie).LastMutationID)
	assert.Equal(t, map[string]uint64{"A": 2}, first.LastMutationIDChanges)

	time.Sleep(5 * time.Millisecond)
	_, err = s.Push(ctx, "u1", pushItems("A", 3))
	require.NoError(t, err)
	_, err = s.Push(ctx, "u1", pushItems("B", 1))
	require.NoError(t, err)

	second, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: &ClientView{Name: "todo", ID: "B"}, Cookie: first.Cookie})
	require.NoError(t, err)
	cookie := mustCookie(t, second.Cookie)
	assert.Equal(t, uint64(1), cookie.LastMutationID)
	assert.Equal(t, map[string]uint64{"A": 3, "B": 1}, second.LastMutationIDChanges)
	assert.Equal(t, second.LastMutationIDChanges["B"], cookie.LastMutationID)

	third, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: &ClientView{Name: "todo", ID: "B"}, Cookie: second.Cookie})
	require.NoError(t, err)
	assert.Empty(t, third.LastMutationIDChanges)
	assert.Len(t, third.Patch, 4)
}

func TestPullIgnoresBadCookies(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()
	_, err := s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)

	foreign, err := EncodeCookie(Cookie{UserID: "mallory", ClientID: "A", Namespace: "todo", LastMutationID: 9})
	require.NoError(t, err)
	for _, raw := range []string{"not-a-cookie", foreign} {
		resp, err := s.Pull(ctx, "u1", PullRequest{ClientView: &ClientView{Name: "todo", ID: "A"}, Cookie: raw})
		require.NoError(t, err)
		assert.Equal(t, uint64(1), mustCookie(t, resp.Cookie).LastMutationID)
		assert.Equal(t, map[string]uint64{"A": 1}, resp.LastMutationIDChanges)
		assert.Len(t, resp.Patch, 1)
	}
}

func TestPullUsesCookieForClientAndNamespace(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()
	push, err := s.Push(ctx, "u1", pushItems("A", 1))
	require.NoError(t, err)

	resp, err := s.Pull(ctx, "u1", PullRequest{Cookie: push.Cookie})
	require.NoError(t, err)
	assert.Len(t, resp.Patch, 1)
	assert.Equal(t, "A", mustCookie(t, resp.Cookie).ClientID)
	assert.Empty(t, resp.LastMutationIDChanges)
}

func TestPullUnknownNamespaceIsEmpty(t *testing.T) {
	s, _ := newTestSyncer(t)
	resp, err := s.Pull(context.Background(), "u1", PullRequest{ClientView: &ClientView{Name: "calendar", ID: "A"}})
	require.NoError(t, err)
	assert.NotNil(t, resp.Patch)
	assert.Empty(t, resp.Patch)
	assert.NotEmpty(t, resp.Cookie)
}

func TestPullCollaboratorFailure(t *testing.T) {
	s, ns := newTestSyncer(t)
	ns.patchErr = errors.New("db unavailable")
	resp, err := s.Pull(context.Background(), "u1", PullRequest{ClientView: &ClientView{Name: "todo", ID: "A"}})
	require.ErrorIs(t, err, ErrCollaborator)
	assert.Empty(t, resp.Cookie)
	var collab *CollaboratorError
	require.True(t, errors.As(err, &collab))
	assert.Equal(t, "patch", collab.Op)
}

func TestPullRequiresClient(t *testing.T) {
	s, _ := newTestSyncer(t)
	_, err := s.Pull(context.Background(), "u1", PullRequest{})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = s.Pull(context.Background(), "", PullRequest{ClientID: "A"})
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestTwoClientScenario(t *testing.T) {
	s, _ := newTestSyncer(t)
	ctx := context.Background()
	viewB := &ClientView{Name: "todo", ID: "B"}

	before, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: viewB})
	require.NoError(t, err)
	assert.Empty(t, before.Patch)

	stream, err := s.Broadcaster().Subscribe("u1")
	require.NoError(t, err)

	resp, err := s.Push(ctx, "u1", PushRequest{
		ClientGroupID: "g1",
		ClientView:    &ClientView{Name: "todo", ID: "A"},
		Mutations:     []Mutation{{ID: 1, Name: "createItem", Args: json.RawMessage(`{"id":"milk"}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"A": 1}, resp.LastMutationIDChanges)

	assert.Equal(t, ReasonPush, receive(t, stream).Reason)

	after, err := s.Pull(ctx, "u1", PullRequest{ClientGroupID: "g1", ClientView: viewB, Cookie: before.Cookie})
	require.NoError(t, err)
	require.Len(t, after.Patch, 1)
	assert.Equal(t, "item/milk", after.Patch[0].Key)
	assert.Equal(t, uint64(0), mustCookie(t, after.Cookie).LastMutationID)
}

func TestConcurrentPushSameClient(t *testing.T) {
	s, ns := newTestSyncer(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Push(context.Background(), "u1", pushItems("A", 1, 2))
		}()
	}
	wg.Wait()
	progress, err := s.Store().GetProgress(context.Background(), "u1", "A")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), progress.LastAppliedSequenceID)
	ns.mu.Lock()
	assert.Len(t, ns.items["u1"], 2)
	ns.mu.Unlock()
}

func TestPoke(t *testing.T) {
	s, _ := newTestSyncer(t)
	sub, err := s.Broadcaster().Subscribe("u1")
	require.NoError(t, err)

	require.NoError(t, s.Poke(context.Background(), "u1", ""))
	assert.Equal(t, ReasonPoke, receive(t, sub).Reason)
	assert.ErrorIs(t, s.Poke(context.Background(), "", "x"), ErrAuthRequired)
}

func TestRetention(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryProgressStore()
	store.now = func() time.Time { return now }
	s := New(Options{Store: store, RetentionTTL: time.Hour, Now: func() time.Time { return now }})

	_, err := s.Push(context.Background(), "u1", PushRequest{ClientID: "A", Mutations: []Mutation{{ID: 1, Name: "x"}}})
	require.NoError(t, err)

	removed, err := s.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	now = now.Add(2 * time.Hour)
	removed, err = s.PruneOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	status := s.Status()
	assert.Equal(t, 1, status.PrunedTotal)
	require.NotNil(t, status.LastPruneAt)
	assert.Equal(t, "1h0m0s", status.RetentionTTL)
}

func TestRunRetentionDisabledReturns(t *testing.T) {
	s := New(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.RunRetention(ctx))
	require.NoError(t, s.RunRelay(ctx))
}

func TestStatus(t *testing.T) {
	s, _ := newTestSyncer(t)
	_, err := s.Broadcaster().Subscribe("u1")
	require.NoError(t, err)
	status := s.Status()
	assert.Equal(t, "memory", status.Backend)
	assert.Equal(t, []string{"todo"}, status.Namespaces)
	assert.Equal(t, 1, status.Broadcaster.Subscribers)
	assert.False(t, status.RelayEnabled)
	assert.NotEmpty(t, status.Origin)
}
