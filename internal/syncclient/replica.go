package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/oklog/ulid/v2"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

type ReplicaOptions struct {
	// Namespace is sent as the client view name on every request.
	Namespace     string
	ClientGroupID string
	// ClientID is generated when empty and no state file holds one.
	ClientID string
	// StateFile persists the replica between runs. Empty keeps it in memory.
	StateFile string
}

// Replica is a local key/value view of one namespace plus the mutations
// not yet acknowledged by the server.
type Replica struct {
	remote    Remote
	namespace string
	stateFile string

	mu     sync.Mutex
	state  replicaState
	loaded bool
}

type replicaState struct {
	ClientID       string                     `json:"clientID"`
	ClientGroupID  string                     `json:"clientGroupID"`
	Cookie         string                     `json:"cookie,omitempty"`
	LastMutationID uint64                     `json:"lastMutationID"`
	NextMutationID uint64                     `json:"nextMutationID"`
	Pending        []relaysync.Mutation       `json:"pending"`
	Data           map[string]json.RawMessage `json:"data"`
}

func NewReplica(remote Remote, opts ReplicaOptions) (*Replica, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote is required")
	}
	namespace := strings.TrimSpace(opts.Namespace)
	if namespace == "" {
		return nil, fmt.Errorf("namespace is required")
	}
	r := &Replica{
		remote:    remote,
		namespace: namespace,
		stateFile: strings.TrimSpace(opts.StateFile),
		state: replicaState{
			ClientID:       strings.TrimSpace(opts.ClientID),
			ClientGroupID:  strings.TrimSpace(opts.ClientGroupID),
			NextMutationID: 1,
			Data:           map[string]json.RawMessage{},
		},
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	if r.state.ClientID == "" {
		r.state.ClientID = ulid.Make().String()
	}
	if r.state.ClientGroupID == "" {
		r.state.ClientGroupID = namespace + "-" + r.state.ClientID
	}
	return r, nil
}

func (r *Replica) ClientID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.ClientID
}

func (r *Replica) Cookie() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Cookie
}

func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state.Pending)
}

// Mutate queues a mutation for the next SyncOnce and returns its sequence
// number.
func (r *Replica) Mutate(name string, args any) (uint64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, fmt.Errorf("mutation name is required")
	}
	var raw json.RawMessage
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return 0, err
		}
		raw = encoded
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.state.NextMutationID
	r.state.NextMutationID++
	r.state.Pending = append(r.state.Pending, relaysync.Mutation{
		ClientID: r.state.ClientID,
		ID:       id,
		Name:     name,
		Args:     raw,
	})
	if err := r.saveState(); err != nil {
		return 0, err
	}
	return id, nil
}

// SyncOnce pushes pending mutations, then pulls and applies the patch. A
// push the server rejects with a sequence gap moves the replica to a fresh
// client ID, renumbers the pending mutations and pushes them again.
func (r *Replica) SyncOnce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.pushLocked(ctx); err != nil {
		if !errors.Is(err, ErrResync) {
			return err
		}
		glog.Warningf("syncclient: client %s lost its server progress; starting over", r.state.ClientID)
		r.rotateClientLocked()
		if err := r.pushLocked(ctx); err != nil {
			return err
		}
	}
	if err := r.pullLocked(ctx); err != nil {
		if !errors.Is(err, ErrResync) {
			return err
		}
		r.state.Cookie = ""
		if err := r.pullLocked(ctx); err != nil {
			return err
		}
	}
	return r.saveState()
}

// Resync drops the cookie and the local view so the next pull starts
// from scratch. Pending mutations are kept.
func (r *Replica) Resync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Cookie = ""
	r.state.Data = map[string]json.RawMessage{}
	return r.saveState()
}

func (r *Replica) Get(key string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	value, ok := r.state.Data[key]
	return value, ok
}

// Keys lists the keys under prefix in ascending order.
func (r *Replica) Keys(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.state.Data))
	for key := range r.state.Data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (r *Replica) pushLocked(ctx context.Context) error {
	if len(r.state.Pending) == 0 {
		return nil
	}
	resp, err := r.remote.Push(ctx, relaysync.PushRequest{
		ClientGroupID: r.state.ClientGroupID,
		ClientID:      r.state.ClientID,
		ClientView:    &relaysync.ClientView{Name: r.namespace, ID: r.state.ClientID},
		Mutations:     append([]relaysync.Mutation(nil), r.state.Pending...),
		Cookie:        r.state.Cookie,
	})
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.LastMutationIDChanges != nil {
		resp.LastMutationIDChanges = httpErr.LastMutationIDChanges
	}
	if last, ok := resp.LastMutationIDChanges[r.state.ClientID]; ok {
		r.acknowledgeLocked(last)
	}
	return err
}

func (r *Replica) pullLocked(ctx context.Context) error {
	resp, err := r.remote.Pull(ctx, relaysync.PullRequest{
		ClientGroupID: r.state.ClientGroupID,
		ClientID:      r.state.ClientID,
		ClientView:    &relaysync.ClientView{Name: r.namespace, ID: r.state.ClientID},
		Cookie:        r.state.Cookie,
	})
	if err != nil {
		return err
	}
	if r.state.Cookie == "" {
		r.state.Data = map[string]json.RawMessage{}
	}
	for _, op := range resp.Patch {
		switch op.Op {
		case relaysync.PatchOpPut:
			r.state.Data[op.Key] = op.Value
		case relaysync.PatchOpDel:
			delete(r.state.Data, op.Key)
		}
	}
	if last, ok := resp.LastMutationIDChanges[r.state.ClientID]; ok {
		r.acknowledgeLocked(last)
	}
	r.state.Cookie = resp.Cookie
	return nil
}

func (r *Replica) acknowledgeLocked(last uint64) {
	if last > r.state.LastMutationID {
		r.state.LastMutationID = last
	}
	kept := r.state.Pending[:0]
	for _, m := range r.state.Pending {
		if m.ID > last {
			kept = append(kept, m)
		}
	}
	r.state.Pending = kept
}

func (r *Replica) rotateClientLocked() {
	r.state.ClientID = ulid.Make().String()
	r.state.Cookie = ""
	r.state.LastMutationID = 0
	r.state.NextMutationID = 1
	for i := range r.state.Pending {
		r.state.Pending[i].ClientID = r.state.ClientID
		r.state.Pending[i].ID = r.state.NextMutationID
		r.state.NextMutationID++
	}
}

func (r *Replica) loadState() error {
	if r.loaded || r.stateFile == "" {
		return nil
	}
	r.loaded = true
	data, err := os.ReadFile(r.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state replicaState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	if state.Data == nil {
		state.Data = map[string]json.RawMessage{}
	}
	if state.NextMutationID == 0 {
		state.NextMutationID = state.LastMutationID + 1
	}
	r.state = state
	return nil
}

func (r *Replica) saveState() error {
	if r.stateFile == "" {
		return nil
	}
	data, err := json.Marshal(r.state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(r.stateFile, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
