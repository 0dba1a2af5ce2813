package repository

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/okian/builderscore/internal/domain/model"
	"github.com/okian/builderscore/internal/domain/types"
	"github.com/okian/builderscore/pkg/metrics"
)

// Treap-based, in-memory Index implementation.
//
// Ordering: score DESC, then CreatedAt ASC, then builder id ASC.
// "less" means ranks earlier, so in-order traversal yields the leaderboard
// from best to worst. Subtree sizes make RankOf O(log n).

// key is the full ordering key of a ranked builder.
type key struct {
	score     int64
	createdAt int64 // unix nanos
	id        string
}

func less(a, b key) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	if a.createdAt != b.createdAt {
		return a.createdAt < b.createdAt
	}
	return a.id < b.id
}

// treap node
type node struct {
	k     key
	prio  uint64
	left  *node
	right *node
	size  int
}

func nsize(n *node) int {
	if n == nil {
		return 0
	}
	return n.size
}

func fix(n *node) {
	if n != nil {
		n.size = 1 + nsize(n.left) + nsize(n.right)
	}
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	fix(y)
	fix(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	fix(x)
	fix(y)
	return y
}

func insert(n *node, k key, prio uint64) *node {
	if n == nil {
		return &node{k: k, prio: prio, size: 1}
	}
	if less(k, n.k) {
		n.left = insert(n.left, k, prio)
		if n.left.prio > n.prio {
			n = rotateRight(n)
		}
	} else {
		n.right = insert(n.right, k, prio)
		if n.right.prio > n.prio {
			n = rotateLeft(n)
		}
	}
	fix(n)
	return n
}

func deleteNode(n *node, k key) *node {
	if n == nil {
		return nil
	}
	switch {
	case n.k == k:
		if n.left == nil {
			return n.right
		}
		if n.right == nil {
			return n.left
		}
		if n.left.prio > n.right.prio {
			n = rotateRight(n)
			n.right = deleteNode(n.right, k)
		} else {
			n = rotateLeft(n)
			n.left = deleteNode(n.left, k)
		}
	case less(k, n.k):
		n.left = deleteNode(n.left, k)
	default:
		n.right = deleteNode(n.right, k)
	}
	fix(n)
	return n
}

// position returns the 1-based in-order position of k, or 0 if absent.
func position(n *node, k key) int {
	pos := 0
	for n != nil {
		switch {
		case n.k == k:
			return pos + nsize(n.left) + 1
		case less(k, n.k):
			n = n.left
		default:
			pos += nsize(n.left) + 1
			n = n.right
		}
	}
	return 0
}

// collectTopN appends up to limit entries in rank order.
func collectTopN(n *node, limit int, out *[]types.Entry) {
	if n == nil || len(*out) >= limit {
		return
	}
	collectTopN(n.left, limit, out)
	if len(*out) < limit {
		*out = append(*out, types.Entry{Rank: len(*out) + 1, BuilderID: n.k.id, Score: n.k.score})
	}
	if len(*out) < limit {
		collectTopN(n.right, limit, out)
	}
}

// TreapIndex is an order-statistic treap guarded by one RW lock.
type TreapIndex struct {
	mu           sync.RWMutex
	root         *node
	byID         map[string]key
	nextPriority func() uint64

	metricsUpdateInterval time.Duration
	wg                    sync.WaitGroup
	stopChan              chan struct{}
	closeOnce             sync.Once
}

// NewTreapIndex constructs an empty index and starts its metrics updater.
func NewTreapIndex(ctx context.Context, opts ...Option) *TreapIndex {
	s := &TreapIndex{
		byID:                  make(map[string]key),
		nextPriority:          rand.Uint64,
		metricsUpdateInterval: 5 * time.Second,
		stopChan:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startMetricsUpdater(ctx)
	return s
}

// Apply repositions one builder in O(log n) expected time.
func (s *TreapIndex) Apply(_ context.Context, u model.ScoreUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[u.BuilderID]; ok {
		s.root = deleteNode(s.root, old)
		delete(s.byID, u.BuilderID)
	}
	if !u.Active || u.Score <= 0 {
		return
	}
	k := key{score: u.Score, createdAt: u.CreatedAt.UnixNano(), id: u.BuilderID}
	s.byID[u.BuilderID] = k
	s.root = insert(s.root, k, s.nextPriority())
	metrics.RecordLeaderboardReposition()
}

// Remove drops a builder from the ranking.
func (s *TreapIndex) Remove(_ context.Context, builderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.byID[builderID]; ok {
		s.root = deleteNode(s.root, old)
		delete(s.byID, builderID)
	}
}

// RankOf returns the builder's position in O(log n).
func (s *TreapIndex) RankOf(_ context.Context, builderID string) (types.Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordLeaderboardQueryLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byID[builderID]
	if !ok {
		return types.Entry{}, ErrUnranked
	}
	return types.Entry{Rank: position(s.root, k), BuilderID: builderID, Score: k.score}, nil
}

// TopK returns the first n entries in O(log n + k).
func (s *TreapIndex) TopK(_ context.Context, n int) ([]types.Entry, error) {
	start := time.Now()
	defer func() {
		metrics.RecordLeaderboardQueryLatency(float64(time.Since(start).Microseconds()) / 1000)
	}()

	if n < 1 {
		metrics.RecordErrorByComponent("leaderboard", "invalid_limit")
		return nil, ErrInvalidLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entry, 0, min(n, len(s.byID)))
	collectTopN(s.root, n, &out)
	return out, nil
}

// Snapshot returns every ranked builder in order.
func (s *TreapIndex) Snapshot(_ context.Context) []types.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.Entry, 0, len(s.byID))
	collectTopN(s.root, len(s.byID), &out)
	return out
}

// Count returns the number of ranked builders.
func (s *TreapIndex) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Close stops the metrics updater.
func (s *TreapIndex) Close() error {
	s.closeOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
	return nil
}

func (s *TreapIndex) startMetricsUpdater(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.metricsUpdateInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				metrics.UpdateLeaderboardSize(s.Count(ctx))
			}
		}
	}()
}
