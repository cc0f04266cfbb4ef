package relaysync

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
	"time"
)

// ApplyFunc performs a mutation's side effects inside a CommitMutation. The
// context carries the store's transaction (TxFromContext) and accepts
// OnCommit callbacks.
type ApplyFunc func(ctx context.Context) error

// ProgressStore is the durable authority for each client's last applied
// mutation sequence number.
type ProgressStore interface {
	Name() string
	// GetProgress returns zero progress for unknown clients, never ErrNotFound.
	GetProgress(ctx context.Context, userID, clientID string) (ClientProgress, error)
	// CommitMutation runs apply and advances progress as one atomic unit.
	// Replayed sequence IDs return CommitDuplicate without calling apply;
	// sequence IDs past the next expected value return *SequenceGapError.
	CommitMutation(ctx context.Context, req CommitRequest, apply ApplyFunc) (CommitOutcome, error)
	ListClientGroup(ctx context.Context, userID, clientGroupID string) ([]ClientProgress, error)
	PruneInactive(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func validateCommitRequest(req CommitRequest) error {
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.ClientID) == "" {
		return fmt.Errorf("%w: user and client are required", ErrInvalidInput)
	}
	if req.SequenceID == 0 {
		return fmt.Errorf("%w: mutation id must be positive", ErrInvalidInput)
	}
	return nil
}

// admitSequence decides whether seq may be applied on top of lastApplied.
func admitSequence(clientID string, lastApplied, seq uint64) (bool, error) {
	if seq <= lastApplied {
		return false, nil
	}
	if seq > lastApplied+1 {
		return false, &SequenceGapError{ClientID: clientID, LastApplied: lastApplied, Got: seq}
	}
	return true, nil
}

func runApply(ctx context.Context, req CommitRequest, apply ApplyFunc) error {
	if apply == nil {
		return nil
	}
	if err := apply(ctx); err != nil {
		if errors.Is(err, ErrCollaborator) {
			return err
		}
		return &CollaboratorError{Namespace: req.Namespace, Op: "apply", Err: err}
	}
	return nil
}

// MemoryProgressStore keeps progress in process. With a snapshot path it
// writes the whole table to disk after every commit.
type MemoryProgressStore struct {
	mu    sync.Mutex
	rows  map[string]ClientProgress
	path  string
	locks *keyedMutex
	now   func() time.Time
}

type progressSnapshot struct {
	Clients []ClientProgress `json:"clients"`
}

func NewMemoryProgressStore() *MemoryProgressStore {
	return &MemoryProgressStore{
		rows:  map[string]ClientProgress{},
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func NewFileProgressStore(path string) (*MemoryProgressStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	s := NewMemoryProgressStore()
	s.path = path
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MemoryProgressStore) Name() string {
	if s.path != "" {
		return "file"
	}
	return "memory"
}

func (s *MemoryProgressStore) GetProgress(_ context.Context, userID, clientID string) (ClientProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[progressKey(userID, clientID)]
	if !ok {
		return ClientProgress{UserID: userID, ClientID: clientID}, nil
	}
	return row, nil
}

func (s *MemoryProgressStore) CommitMutation(ctx context.Context, req CommitRequest, apply ApplyFunc) (CommitOutcome, error) {
	if err := validateCommitRequest(req); err != nil {
		return CommitDuplicate, err
	}
	key := progressKey(req.UserID, req.ClientID)
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	current, existed := s.rows[key]
	s.mu.Unlock()

	ok, err := admitSequence(req.ClientID, current.LastAppliedSequenceID, req.SequenceID)
	if err != nil {
		return CommitDuplicate, err
	}
	if !ok {
		return CommitDuplicate, nil
	}

	applyCtx, hooks := withCommitHooks(ctx)
	if err := runApply(applyCtx, req, apply); err != nil {
		return CommitDuplicate, err
	}

	next := ClientProgress{
		UserID:                req.UserID,
		ClientID:              req.ClientID,
		ClientGroupID:         firstNonEmpty(req.ClientGroupID, current.ClientGroupID),
		Namespace:             firstNonEmpty(req.Namespace, current.Namespace),
		LastAppliedSequenceID: req.SequenceID,
		UpdatedAt:             s.now(),
	}
	s.mu.Lock()
	s.rows[key] = next
	if err := s.saveLocked(); err != nil {
		if existed {
			s.rows[key] = current
		} else {
			delete(s.rows, key)
		}
		s.mu.Unlock()
		return CommitDuplicate, err
	}
	s.mu.Unlock()
	hooks.run()
	return CommitApplied, nil
}

func (s *MemoryProgressStore) ListClientGroup(_ context.Context, userID, clientGroupID string) ([]ClientProgress, error) {
	if strings.TrimSpace(clientGroupID) == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ClientProgress, 0)
	for _, row := range s.rows {
		if row.UserID == userID && row.ClientGroupID == clientGroupID {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *MemoryProgressStore) PruneInactive(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, row := range s.rows {
		if row.UpdatedAt.Before(before) {
			delete(s.rows, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.saveLocked()
}

func (s *MemoryProgressStore) Close() error {
	return nil
}

func (s *MemoryProgressStore) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot progressSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for _, row := range snapshot.Clients {
		s.rows[progressKey(row.UserID, row.ClientID)] = row
	}
	return nil
}

func (s *MemoryProgressStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	snapshot := progressSnapshot{Clients: make([]ClientProgress, 0, len(s.rows))}
	for _, row := range s.rows {
		snapshot.Clients = append(snapshot.Clients, row)
	}
	sort.Slice(snapshot.Clients, func(i, j int) bool {
		if snapshot.Clients[i].UserID != snapshot.Clients[j].UserID {
			return snapshot.Clients[i].UserID < snapshot.Clients[j].UserID
		}
		return snapshot.Clients[i].ClientID < snapshot.Clients[j].ClientID
	})
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
