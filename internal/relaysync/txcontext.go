package relaysync

import (
	"context"
	"database/sql"
	"sync"
)

type txContextKey struct{}
type commitHooksKey struct{}

type commitHooks struct {
	mu  sync.Mutex
	fns []func()
}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the SQL transaction a ProgressStore opened for the
// mutation being applied. Collaborators that share the database write through
// it so their side effects commit or roll back with the progress row.
func TxFromContext(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*sql.Tx)
	return tx, ok && tx != nil
}

func withCommitHooks(ctx context.Context) (context.Context, *commitHooks) {
	hooks := &commitHooks{}
	return context.WithValue(ctx, commitHooksKey{}, hooks), hooks
}

// OnCommit defers fn until the surrounding CommitMutation has durably
// advanced progress. It reports false when ctx is not an apply context.
func OnCommit(ctx context.Context, fn func()) bool {
	hooks, ok := ctx.Value(commitHooksKey{}).(*commitHooks)
	if !ok || hooks == nil || fn == nil {
		return false
	}
	hooks.mu.Lock()
	hooks.fns = append(hooks.fns, fn)
	hooks.mu.Unlock()
	return true
}

func (h *commitHooks) run() {
	if h == nil {
		return
	}
	h.mu.Lock()
	fns := h.fns
	h.fns = nil
	h.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
