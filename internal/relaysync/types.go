package relaysync

import (
	"encoding/json"
	"time"
)

const (
	PatchOpPut = "put"
	PatchOpDel = "del"
)

// Mutation is one client-originated intent. ID is the client-assigned
// sequence number, strictly increasing per client.
type Mutation struct {
	ClientID string          `json:"clientID,omitempty"`
	ID       uint64          `json:"id"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"args,omitempty"`
}

type ClientProgress struct {
	UserID                string    `json:"userId"`
	ClientID              string    `json:"clientId"`
	ClientGroupID         string    `json:"clientGroupId,omitempty"`
	Namespace             string    `json:"namespace,omitempty"`
	LastAppliedSequenceID uint64    `json:"lastAppliedSequenceId"`
	UpdatedAt             time.Time `json:"updatedAt"`
}

type Cookie struct {
	UserID         string    `json:"userID"`
	ClientID       string    `json:"clientID"`
	Namespace      string    `json:"namespace"`
	LastMutationID uint64    `json:"lastMutationID"`
	IssuedAt       time.Time `json:"issuedAt"`
}

type PatchOp struct {
	Op    string          `json:"op"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// InvalidationEvent is ephemeral and never persisted. Origin names the
// server instance that published it so relays can skip their own echoes.
type InvalidationEvent struct {
	UserID string `json:"userId"`
	Reason string `json:"reason"`
	Origin string `json:"origin,omitempty"`
}

type ClientView struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type PushRequest struct {
	ClientGroupID string      `json:"clientGroupID,omitempty"`
	ClientID      string      `json:"clientID,omitempty"`
	ClientView    *ClientView `json:"clientView,omitempty"`
	Mutations     []Mutation  `json:"mutations"`
	Cookie        string      `json:"cookie,omitempty"`
}

type PushResponse struct {
	LastMutationIDChanges map[string]uint64 `json:"lastMutationIDChanges"`
	Cookie                string            `json:"cookie"`
}

type PullRequest struct {
	ClientGroupID string      `json:"clientGroupID,omitempty"`
	ClientID      string      `json:"clientID,omitempty"`
	ClientView    *ClientView `json:"clientView,omitempty"`
	Cookie        string      `json:"cookie,omitempty"`
}

type PullResponse struct {
	LastMutationIDChanges map[string]uint64 `json:"lastMutationIDChanges"`
	Cookie                string            `json:"cookie"`
	Patch                 []PatchOp         `json:"patch"`
}

// CommitRequest identifies one mutation to apply through a ProgressStore.
type CommitRequest struct {
	UserID        string
	ClientID      string
	ClientGroupID string
	Namespace     string
	SequenceID    uint64
}

type CommitOutcome int

const (
	CommitApplied CommitOutcome = iota
	CommitDuplicate
)

func (o CommitOutcome) String() string {
	switch o {
	case CommitApplied:
		return "applied"
	case CommitDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

func progressKey(userID, clientID string) string {
	return userID + "\x00" + clientID
}
