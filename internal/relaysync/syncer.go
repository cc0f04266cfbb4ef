package relaysync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ReasonPush = "push"
	ReasonPoke = "poke"

	defaultRetentionInterval = time.Hour
)

type Options struct {
	Store       ProgressStore
	Registry    *Registry
	Broadcaster *Broadcaster
	Relay       *RedisRelay
	// RetentionTTL removes progress rows idle for longer than this. Zero
	// keeps rows forever.
	RetentionTTL      time.Duration
	RetentionInterval time.Duration
	Now               func() time.Time
}

// Syncer runs the push and pull pipelines over a progress store, a
// namespace registry and a broadcaster.
type Syncer struct {
	store       ProgressStore
	registry    *Registry
	broadcaster *Broadcaster
	relay       *RedisRelay
	locks       *keyedMutex
	now         func() time.Time

	retentionTTL      time.Duration
	retentionInterval time.Duration

	mu          sync.Mutex
	lastPruneAt time.Time
	prunedTotal int
}

func New(opts Options) *Syncer {
	if opts.Store == nil {
		opts.Store = NewMemoryProgressStore()
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NewBroadcaster(BroadcasterOptions{})
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = defaultRetentionInterval
	}
	if opts.Relay != nil {
		opts.Broadcaster.SetRelay(opts.Relay)
	}
	return &Syncer{
		store:             opts.Store,
		registry:          opts.Registry,
		broadcaster:       opts.Broadcaster,
		relay:             opts.Relay,
		locks:             newKeyedMutex(),
		now:               opts.Now,
		retentionTTL:      opts.RetentionTTL,
		retentionInterval: opts.RetentionInterval,
	}
}

func (s *Syncer) Store() ProgressStore {
	return s.store
}

func (s *Syncer) Registry() *Registry {
	return s.registry
}

func (s *Syncer) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Push applies a batch of mutations. Mutations are grouped per client and
// applied in ascending sequence order; the first hard failure stops the
// batch. The response is returned alongside any error and reports the
// progress of every client touched, including a committed prefix.
func (s *Syncer) Push(ctx context.Context, userID string, req PushRequest) (PushResponse, error) {
	timer := prometheus.NewTimer(pushDuration)
	defer timer.ObserveDuration()

	resp := PushResponse{LastMutationIDChanges: map[string]uint64{}}
	if strings.TrimSpace(userID) == "" {
		return resp, ErrAuthRequired
	}
	cookie := s.acceptCookie(userID, req.Cookie)

	viewName, viewID := "", ""
	if req.ClientView != nil {
		viewName, viewID = req.ClientView.Name, req.ClientView.ID
	}
	cookieClient, cookieNamespace := "", ""
	if cookie != nil {
		cookieClient, cookieNamespace = cookie.ClientID, cookie.Namespace
	}
	defaultClient := firstNonEmpty(viewID, req.ClientID, cookieClient, req.ClientGroupID)

	order, batches, err := groupMutations(defaultClient, req.Mutations)
	if err != nil {
		return resp, err
	}
	primary := defaultClient
	if primary == "" && len(order) > 0 {
		primary = order[0]
	}
	if primary == "" {
		return resp, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}

	resolution := s.registry.Resolve(ResolveHint{
		ClientViewName:  viewName,
		CookieNamespace: cookieNamespace,
		ClientGroupID:   req.ClientGroupID,
		Mutations:       req.Mutations,
	})
	namespace, _, _ := s.registry.Lookup(resolution.Name)
	if !resolution.Known {
		glog.V(1).Infof("relaysync: push for user %s resolved no namespace (%s %q); mutations advance progress only", userID, resolution.Source, resolution.Name)
	}

	applied := 0
	var pushErr error
	for _, clientID := range order {
		n, err := s.pushClient(ctx, userID, clientID, req.ClientGroupID, resolution, namespace, batches[clientID], resp.LastMutationIDChanges)
		applied += n
		if err != nil {
			pushErr = err
			break
		}
	}

	if applied > 0 {
		s.broadcaster.Publish(ctx, InvalidationEvent{UserID: userID, Reason: ReasonPush})
	}

	last, ok := resp.LastMutationIDChanges[primary]
	if !ok {
		progress, err := s.store.GetProgress(ctx, userID, primary)
		if err != nil && pushErr == nil {
			pushErr = err
		}
		last = progress.LastAppliedSequenceID
	}
	encoded, err := EncodeCookie(Cookie{
		UserID:         userID,
		ClientID:       primary,
		Namespace:      resolution.Name,
		LastMutationID: last,
		IssuedAt:       s.now(),
	})
	if err != nil && pushErr == nil {
		pushErr = err
	}
	resp.Cookie = encoded
	glog.V(1).Infof("relaysync: push user=%s clients=%d applied=%d namespace=%s err=%v", userID, len(order), applied, resolution.Name, pushErr)
	return resp, pushErr
}

func (s *Syncer) pushClient(
	ctx context.Context,
	userID, clientID, clientGroupID string,
	resolution Resolution,
	namespace Namespace,
	mutations []Mutation,
	changes map[string]uint64,
) (int, error) {
	unlock := s.locks.Lock(progressKey(userID, clientID))
	defer unlock()

	applied := 0
	var batchErr error
	for _, m := range mutations {
		m := m
		m.ClientID = clientID
		var apply ApplyFunc
		if resolution.Known && namespace != nil {
			apply = func(ctx context.Context) error {
				return namespace.ApplyMutation(ctx, userID, m)
			}
		}
		outcome, err := s.store.CommitMutation(ctx, CommitRequest{
			UserID:        userID,
			ClientID:      clientID,
			ClientGroupID: clientGroupID,
			Namespace:     resolution.Name,
			SequenceID:    m.ID,
		}, apply)
		if err != nil {
			switch {
			case errors.Is(err, ErrSequenceGap):
				mutationsTotal.WithLabelValues("gap").Inc()
			default:
				mutationsTotal.WithLabelValues("failed").Inc()
				glog.Warningf("relaysync: mutation %s#%d (%s) for user %s failed: %v", clientID, m.ID, m.Name, userID, err)
			}
			batchErr = err
			break
		}
		mutationsTotal.WithLabelValues(outcome.String()).Inc()
		if outcome == CommitApplied {
			applied++
			changes[clientID] = m.ID
		}
	}

	if _, ok := changes[clientID]; !ok {
		progress, err := s.store.GetProgress(ctx, userID, clientID)
		if err != nil {
			if batchErr == nil {
				batchErr = err
			}
			return applied, batchErr
		}
		if progress.LastAppliedSequenceID > 0 {
			changes[clientID] = progress.LastAppliedSequenceID
		}
	}
	return applied, batchErr
}

// groupMutations assigns every mutation to a client and sorts each client's
// mutations by sequence ID. The returned order lists the default client
// first, then others by first appearance.
func groupMutations(defaultClient string, mutations []Mutation) ([]string, map[string][]Mutation, error) {
	order := make([]string, 0, 1)
	batches := map[string][]Mutation{}
	if defaultClient != "" {
		order = append(order, defaultClient)
	}
	for _, m := range mutations {
		clientID := firstNonEmpty(m.ClientID, defaultClient)
		if clientID == "" {
			return nil, nil, fmt.Errorf("%w: mutation %d has no client id", ErrInvalidInput, m.ID)
		}
		if _, seen := batches[clientID]; !seen && clientID != defaultClient {
			order = append(order, clientID)
		}
		batches[clientID] = append(batches[clientID], m)
	}
	for _, batch := range batches {
		sort.SliceStable(batch, func(i, j int) bool { return batch[i].ID < batch[j].ID })
	}
	return order, batches, nil
}

// Pull returns the patch for the resolved namespace, the caller's own
// progress as the new cookie, and progress advances for other clients in
// the same group since the incoming cookie was issued.
func (s *Syncer) Pull(ctx context.Context, userID string, req PullRequest) (PullResponse, error) {
	timer := prometheus.NewTimer(pullDuration)
	defer timer.ObserveDuration()

	resp := PullResponse{LastMutationIDChanges: map[string]uint64{}, Patch: []PatchOp{}}
	if strings.TrimSpace(userID) == "" {
		return resp, ErrAuthRequired
	}
	cookie := s.acceptCookie(userID, req.Cookie)

	viewName, viewID := "", ""
	if req.ClientView != nil {
		viewName, viewID = req.ClientView.Name, req.ClientView.ID
	}
	cookieClient := ""
	if cookie != nil {
		cookieClient = cookie.ClientID
	}
	clientID := firstNonEmpty(viewID, req.ClientID, cookieClient)
	if clientID == "" {
		return resp, fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if cookie != nil && cookie.ClientID != clientID {
		cookie = nil
	}

	hint := ResolveHint{ClientViewName: viewName, ClientGroupID: req.ClientGroupID}
	if cookie != nil {
		hint.CookieNamespace = cookie.Namespace
	}
	resolution := s.registry.Resolve(hint)
	pullsTotal.WithLabelValues(resolution.Source).Inc()
	if cookie != nil && resolution.Name != "" && normalizeNamespace(cookie.Namespace) != resolution.Name {
		cookie = nil
	}

	unlock := s.locks.Lock(progressKey(userID, clientID))
	progress, err := s.store.GetProgress(ctx, userID, clientID)
	if err != nil {
		unlock()
		return resp, err
	}
	if resolution.Known {
		namespace, _, _ := s.registry.Lookup(resolution.Name)
		patch, err := namespace.ProducePatch(ctx, userID)
		if err != nil {
			unlock()
			if !errors.Is(err, ErrCollaborator) {
				err = &CollaboratorError{Namespace: resolution.Name, Op: "patch", Err: err}
			}
			glog.Warningf("relaysync: pull for user %s client %s: %v", userID, clientID, err)
			return PullResponse{LastMutationIDChanges: map[string]uint64{}, Patch: []PatchOp{}}, err
		}
		if patch != nil {
			resp.Patch = patch
		}
	}
	unlock()

	own := progress.LastAppliedSequenceID
	if cookie == nil {
		if own > 0 {
			resp.LastMutationIDChanges[clientID] = own
		}
	} else if own != cookie.LastMutationID {
		resp.LastMutationIDChanges[clientID] = own
	}

	if groupID := firstNonEmpty(req.ClientGroupID, progress.ClientGroupID); groupID != "" {
		peers, err := s.store.ListClientGroup(ctx, userID, groupID)
		if err != nil {
			return PullResponse{LastMutationIDChanges: map[string]uint64{}, Patch: []PatchOp{}}, err
		}
		for _, peer := range peers {
			if peer.ClientID == clientID || peer.LastAppliedSequenceID == 0 {
				continue
			}
			if cookie == nil || peer.UpdatedAt.After(cookie.IssuedAt) {
				resp.LastMutationIDChanges[peer.ClientID] = peer.LastAppliedSequenceID
			}
		}
	}

	encoded, err := EncodeCookie(Cookie{
		UserID:         userID,
		ClientID:       clientID,
		Namespace:      resolution.Name,
		LastMutationID: own,
		IssuedAt:       s.now(),
	})
	if err != nil {
		return PullResponse{LastMutationIDChanges: map[string]uint64{}, Patch: []PatchOp{}}, err
	}
	resp.Cookie = encoded
	glog.V(2).Infof("relaysync: pull user=%s client=%s namespace=%s ops=%d lmid=%d", userID, clientID, resolution.Name, len(resp.Patch), own)
	return resp, nil
}

// acceptCookie parses an incoming cookie and discards it when it is
// malformed or belongs to another user.
func (s *Syncer) acceptCookie(userID, raw string) *Cookie {
	cookie, err := ParseCookie(raw)
	if err != nil {
		glog.V(1).Infof("relaysync: ignoring cookie for user %s: %v", userID, err)
		return nil
	}
	if cookie != nil && cookie.UserID != userID {
		glog.V(1).Infof("relaysync: ignoring cookie issued to another user")
		return nil
	}
	return cookie
}

// Poke posts an invalidation for userID without any mutation.
func (s *Syncer) Poke(ctx context.Context, userID, reason string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrAuthRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonPoke
	}
	s.broadcaster.Publish(ctx, InvalidationEvent{UserID: userID, Reason: reason})
	return nil
}

type Status struct {
	Backend        string           `json:"backend"`
	Namespaces     []string         `json:"namespaces"`
	Broadcaster    BroadcasterStats `json:"broadcaster"`
	Origin         string           `json:"origin"`
	RelayEnabled   bool             `json:"relayEnabled"`
	RelayConnected bool             `json:"relayConnected"`
	RelayChannel   string           `json:"relayChannel,omitempty"`
	RetentionTTL   string           `json:"retentionTTL,omitempty"`
	LastPruneAt    *time.Time       `json:"lastPruneAt,omitempty"`
	PrunedTotal    int              `json:"prunedTotal"`
}

func (s *Syncer) Status() Status {
	st := Status{
		Backend:     s.store.Name(),
		Namespaces:  s.registry.Names(),
		Broadcaster: s.broadcaster.Stats(),
		Origin:      s.broadcaster.Origin(),
	}
	if s.relay != nil {
		st.RelayEnabled = true
		st.RelayConnected = s.relay.Connected()
		st.RelayChannel = s.relay.Channel()
	}
	if s.retentionTTL > 0 {
		st.RetentionTTL = s.retentionTTL.String()
	}
	s.mu.Lock()
	if !s.lastPruneAt.IsZero() {
		at := s.lastPruneAt
		st.LastPruneAt = &at
	}
	st.PrunedTotal = s.prunedTotal
	s.mu.Unlock()
	return st
}

// RunRelay bridges the broadcaster to the Redis relay until ctx ends. It
// returns immediately when no relay is configured.
func (s *Syncer) RunRelay(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}
	return s.relay.Run(ctx, s.broadcaster.DeliverRemote)
}

// RunRetention prunes idle progress rows every retention interval until
// ctx ends. It returns immediately when retention is disabled.
func (s *Syncer) RunRetention(ctx context.Context) error {
	if s.retentionTTL <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.PruneOnce(ctx); err != nil {
				glog.Warningf("relaysync: retention pass failed: %v", err)
			}
		}
	}
}

// PruneOnce removes progress rows not updated within the retention TTL.
func (s *Syncer) PruneOnce(ctx context.Context) (int, error) {
	if s.retentionTTL <= 0 {
		return 0, nil
	}
	now := s.now()
	removed, err := s.store.PruneInactive(ctx, now.Add(-s.retentionTTL))
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.lastPruneAt = now
	s.prunedTotal += removed
	s.mu.Unlock()
	if removed > 0 {
		progressRowsPruned.Add(float64(removed))
		glog.Infof("relaysync: pruned %d idle client progress rows", removed)
	}
	return removed, nil
}

func (s *Syncer) Close() error {
	s.broadcaster.Close()
	return s.store.Close()
}
