package ledger

import (
	"context"
	"errors"
	"hash/fnv"
	"time"

	"golang.org/x/sync/semaphore"
)

// lockTable serializes work per builder. Builders hash onto a fixed set of
// weight-one semaphores, so acquisition can time out.
type lockTable struct {
	shards []*semaphore.Weighted
}

func newLockTable(n int) *lockTable {
	if n <= 0 {
		n = 1
	}
	t := &lockTable{shards: make([]*semaphore.Weighted, n)}
	for i := range t.shards {
		t.shards[i] = semaphore.NewWeighted(1)
	}
	return t
}

func (t *lockTable) shard(builderID string) *semaphore.Weighted {
	h := fnv.New32a()
	_, _ = h.Write([]byte(builderID))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// tryAcquire waits up to timeout for the builder's shard. Cancellation of ctx
// is reported as ctx.Err(); running out of time is errLockTimeout.
func (t *lockTable) tryAcquire(ctx context.Context, builderID string, timeout time.Duration) (release func(), err error) {
	sem := t.shard(builderID)
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errLockTimeout
		}
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
