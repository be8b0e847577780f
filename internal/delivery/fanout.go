package delivery

import (
	"context"
	"sync"
	"time"

	"msghub/internal/domain"
)

// Fanout expands a group id into a membership snapshot. Expansion is the most
// expensive hot-path operation, so snapshots are cached per group with a short
// TTL; the directory collaborator invalidates a group's entry whenever its
// membership changes.
type Fanout struct {
	groups domain.GroupDirectory
	ttl    time.Duration

	mu    sync.Mutex
	cache map[int64]*memberSnapshot
}

type memberSnapshot struct {
	members []domain.GroupMember
	taken   time.Time
}

func NewFanout(groups domain.GroupDirectory, ttl time.Duration) *Fanout {
	return &Fanout{
		groups: groups,
		ttl:    ttl,
		cache:  make(map[int64]*memberSnapshot),
	}
}

// Expand returns a single consistent membership snapshot for the group. The
// returned slice must not be mutated by callers.
func (f *Fanout) Expand(ctx context.Context, groupID int64) ([]domain.GroupMember, error) {
	if f.ttl > 0 {
		f.mu.Lock()
		snap, ok := f.cache[groupID]
		f.mu.Unlock()
		if ok && time.Since(snap.taken) < f.ttl {
			return snap.members, nil
		}
	}

	// Snapshot read happens outside the cache lock: the directory call may hit
	// the network and must not stall concurrent expansions of other groups.
	members, err := f.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}

	if f.ttl > 0 {
		f.mu.Lock()
		f.cache[groupID] = &memberSnapshot{members: members, taken: time.Now()}
		f.mu.Unlock()
	}
	return members, nil
}

// Invalidate drops the cached snapshot for a group. Called on
// membership-change notifications from the directory collaborator.
func (f *Fanout) Invalidate(groupID int64) {
	f.mu.Lock()
	delete(f.cache, groupID)
	f.mu.Unlock()
}
