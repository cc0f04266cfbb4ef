package namespaces

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/agentworkforce/relaysync/internal/relaysync"
)

const DefaultTombstoneTTL = 30 * 24 * time.Hour

type verb int

const (
	verbUnknown verb = iota
	verbPut
	verbUpdate
	verbDelete
)

var verbPrefixes = []struct {
	prefix string
	verb   verb
}{
	{"create", verbPut},
	{"upsert", verbPut},
	{"put", verbPut},
	{"set", verbPut},
	{"update", verbUpdate},
	{"delete", verbDelete},
	{"remove", verbDelete},
}

// KeyValue is a namespace whose documents are JSON objects stored under
// "<prefix>/<id>". Mutation names are a verb followed by a kind noun, as
// in createTask or deleteEntry; Kinds maps the noun to the key prefix.
type KeyValue struct {
	name         string
	kinds        map[string]string
	tombstoneTTL time.Duration
	now          func() time.Time

	mu    sync.RWMutex
	users map[string]*userDocs
}

type userDocs struct {
	docs       map[string]map[string]json.RawMessage
	tombstones map[string]time.Time
}

type KeyValueOptions struct {
	// Kinds maps mutation nouns (case-insensitive) to key prefixes.
	Kinds        map[string]string
	TombstoneTTL time.Duration
	Now          func() time.Time
}

func NewKeyValue(name string, opts KeyValueOptions) *KeyValue {
	kinds := make(map[string]string, len(opts.Kinds))
	for noun, prefix := range opts.Kinds {
		kinds[strings.ToLower(noun)] = strings.Trim(prefix, "/")
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = DefaultTombstoneTTL
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &KeyValue{
		name:         name,
		kinds:        kinds,
		tombstoneTTL: opts.TombstoneTTL,
		now:          opts.Now,
		users:        map[string]*userDocs{},
	}
}

func (kv *KeyValue) Name() string {
	return kv.name
}

type write struct {
	key    string
	verb   verb
	fields map[string]json.RawMessage
}

// ApplyMutation validates m and defers the write until the progress commit
// succeeds. Unknown mutation names and malformed arguments are logged and
// skipped so the client's progress still advances past them.
func (kv *KeyValue) ApplyMutation(ctx context.Context, userID string, m relaysync.Mutation) error {
	w, ok := kv.plan(m)
	if !ok {
		return nil
	}
	if !relaysync.OnCommit(ctx, func() { kv.commit(userID, w) }) {
		kv.commit(userID, w)
	}
	return nil
}

func (kv *KeyValue) plan(m relaysync.Mutation) (write, bool) {
	v, noun := splitMutationName(m.Name)
	prefix, known := kv.kinds[strings.ToLower(noun)]
	if v == verbUnknown || !known {
		glog.V(1).Infof("namespaces: %s ignores mutation %q", kv.name, m.Name)
		return write{}, false
	}
	fields := map[string]json.RawMessage{}
	if len(m.Args) > 0 && string(m.Args) != "null" {
		if err := json.Unmarshal(m.Args, &fields); err != nil {
			glog.Warningf("namespaces: %s skips %s#%d: args are not an object: %v", kv.name, m.ClientID, m.ID, err)
			return write{}, false
		}
	}
	var id string
	if raw, ok := fields["id"]; ok {
		if err := json.Unmarshal(raw, &id); err != nil {
			glog.Warningf("namespaces: %s skips %s#%d: id is not a string", kv.name, m.ClientID, m.ID)
			return write{}, false
		}
	}
	id = strings.TrimSpace(id)
	if id == "" {
		if v != verbPut {
			glog.Warningf("namespaces: %s skips %s#%d: %s without id", kv.name, m.ClientID, m.ID, m.Name)
			return write{}, false
		}
		id = uuid.NewString()
		encoded, _ := json.Marshal(id)
		fields["id"] = encoded
	}
	return write{key: prefix + "/" + id, verb: v, fields: fields}, true
}

func (kv *KeyValue) commit(userID string, w write) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	u := kv.users[userID]
	if u == nil {
		u = &userDocs{docs: map[string]map[string]json.RawMessage{}, tombstones: map[string]time.Time{}}
		kv.users[userID] = u
	}
	switch w.verb {
	case verbPut:
		u.docs[w.key] = w.fields
		delete(u.tombstones, w.key)
	case verbUpdate:
		doc, ok := u.docs[w.key]
		if !ok {
			return
		}
		merged := make(map[string]json.RawMessage, len(doc)+len(w.fields))
		for k, v := range doc {
			merged[k] = v
		}
		for k, v := range w.fields {
			merged[k] = v
		}
		u.docs[w.key] = merged
	case verbDelete:
		if _, ok := u.docs[w.key]; !ok {
			return
		}
		delete(u.docs, w.key)
		u.tombstones[w.key] = kv.now()
	}
}

// ProducePatch returns deletes for recent tombstones followed by a put for
// every live document, each group sorted by key.
func (kv *KeyValue) ProducePatch(_ context.Context, userID string) ([]relaysync.PatchOp, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	u := kv.users[userID]
	if u == nil {
		return []relaysync.PatchOp{}, nil
	}
	cutoff := kv.now().Add(-kv.tombstoneTTL)
	dels := make([]string, 0, len(u.tombstones))
	for key, at := range u.tombstones {
		if at.Before(cutoff) {
			delete(u.tombstones, key)
			continue
		}
		dels = append(dels, key)
	}
	sort.Strings(dels)
	puts := make([]string, 0, len(u.docs))
	for key := range u.docs {
		puts = append(puts, key)
	}
	sort.Strings(puts)

	ops := make([]relaysync.PatchOp, 0, len(dels)+len(puts))
	for _, key := range dels {
		ops = append(ops, relaysync.PatchOp{Op: relaysync.PatchOpDel, Key: key})
	}
	for _, key := range puts {
		value, err := json.Marshal(u.docs[key])
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", key, err)
		}
		ops = append(ops, relaysync.PatchOp{Op: relaysync.PatchOpPut, Key: key, Value: value})
	}
	return ops, nil
}

// Get returns the stored document for key, if any.
func (kv *KeyValue) Get(userID, key string) (json.RawMessage, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	u := kv.users[userID]
	if u == nil {
		return nil, false
	}
	doc, ok := u.docs[key]
	if !ok {
		return nil, false
	}
	value, err := json.Marshal(doc)
	if err != nil {
		return nil, false
	}
	return value, true
}

func splitMutationName(name string) (verb, string) {
	name = strings.TrimSpace(name)
	lower := strings.ToLower(name)
	for _, candidate := range verbPrefixes {
		if !strings.HasPrefix(lower, candidate.prefix) {
			continue
		}
		noun := name[len(candidate.prefix):]
		noun = strings.TrimLeftFunc(noun, func(r rune) bool { return r == '_' || r == '-' || unicode.IsSpace(r) })
		if noun == "" {
			return verbUnknown, ""
		}
		return candidate.verb, noun
	}
	return verbUnknown, ""
}
