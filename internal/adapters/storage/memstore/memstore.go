// Package memstore is the default in-process storage backend.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/okian/builderscore/internal/adapters/storage"
	"github.com/okian/builderscore/internal/domain/model"
)

type sourceKey struct {
	source model.Source
	id     string
}

// Store keeps every collection in maps behind one RW lock.
type Store struct {
	mu sync.RWMutex

	builders   map[string]model.Builder
	byChat     map[string]string
	byUsername map[string]string

	activities map[string]model.Activity
	bySource   map[sourceKey]string
	seq        map[string]int // activity id -> insertion order

	entries   map[string]model.LedgerEntry // key -> entry
	byBuilder map[string][]string          // builder id -> entry keys

	nominations map[string]model.Nomination // event id -> nomination

	snapshots []model.LeaderboardSnapshot
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		builders:    make(map[string]model.Builder),
		byChat:      make(map[string]string),
		byUsername:  make(map[string]string),
		activities:  make(map[string]model.Activity),
		bySource:    make(map[sourceKey]string),
		seq:         make(map[string]int),
		entries:     make(map[string]model.LedgerEntry),
		byBuilder:   make(map[string][]string),
		nominations: make(map[string]model.Nomination),
	}
}

func (s *Store) CreateBuilder(_ context.Context, b model.Builder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.builders[b.ID]; ok {
		return storage.ErrDuplicate
	}
	if _, ok := s.byChat[b.ChatUserID]; ok {
		return storage.ErrDuplicate
	}
	if b.CodeHostUsername != "" {
		if _, ok := s.byUsername[b.CodeHostUsername]; ok {
			return storage.ErrDuplicate
		}
		s.byUsername[b.CodeHostUsername] = b.ID
	}
	s.builders[b.ID] = b
	s.byChat[b.ChatUserID] = b.ID
	return nil
}

func (s *Store) GetBuilder(_ context.Context, id string) (model.Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builders[id]
	if !ok {
		return model.Builder{}, storage.ErrNotFound
	}
	return b, nil
}

func (s *Store) BuilderByChatUser(_ context.Context, chatUserID string) (model.Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byChat[chatUserID]
	if !ok {
		return model.Builder{}, storage.ErrNotFound
	}
	return s.builders[id], nil
}

func (s *Store) BuilderByUsername(_ context.Context, username string) (model.Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byUsername[username]
	if !ok {
		return model.Builder{}, storage.ErrNotFound
	}
	return s.builders[id], nil
}

func (s *Store) SetUsername(_ context.Context, id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builders[id]
	if !ok {
		return storage.ErrNotFound
	}
	if owner, taken := s.byUsername[username]; taken && owner != id {
		return storage.ErrDuplicate
	}
	if b.CodeHostUsername != "" && b.CodeHostUsername != username {
		delete(s.byUsername, b.CodeHostUsername)
	}
	b.CodeHostUsername = username
	s.byUsername[username] = id
	s.builders[id] = b
	return nil
}

func (s *Store) SetWallet(_ context.Context, id, address string) error {
	return s.mutateBuilder(id, func(b *model.Builder) { b.WalletAddress = address })
}

func (s *Store) SetActive(_ context.Context, id string, active bool) error {
	return s.mutateBuilder(id, func(b *model.Builder) { b.Active = active })
}

func (s *Store) SetScore(_ context.Context, id string, score int64) error {
	return s.mutateBuilder(id, func(b *model.Builder) { b.Score = score })
}

func (s *Store) mutateBuilder(id string, fn func(*model.Builder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builders[id]
	if !ok {
		return storage.ErrNotFound
	}
	fn(&b)
	s.builders[id] = b
	return nil
}

func (s *Store) ListBuilders(_ context.Context) ([]model.Builder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Builder, 0, len(s.builders))
	for _, b := range s.builders {
		out = append(out, b)
	}
	slices.SortFunc(out, func(a, b model.Builder) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *Store) InsertActivity(_ context.Context, a model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := sourceKey{source: a.Source, id: a.SourceEventID}
	if _, ok := s.bySource[sk]; ok {
		return storage.ErrDuplicate
	}
	if _, ok := s.activities[a.ID]; ok {
		return storage.ErrDuplicate
	}
	s.activities[a.ID] = a
	s.bySource[sk] = a.ID
	s.seq[a.ID] = len(s.seq)
	return nil
}

func (s *Store) GetActivity(_ context.Context, id string) (model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.activities[id]
	if !ok {
		return model.Activity{}, storage.ErrNotFound
	}
	return a, nil
}

func (s *Store) ActivityBySource(_ context.Context, source model.Source, sourceEventID string) (model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySource[sourceKey{source: source, id: sourceEventID}]
	if !ok {
		return model.Activity{}, storage.ErrNotFound
	}
	return s.activities[id], nil
}

func (s *Store) UpdateActivity(_ context.Context, a model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activities[a.ID]; !ok {
		return storage.ErrNotFound
	}
	s.activities[a.ID] = a
	return nil
}

func (s *Store) PendingActivities(_ context.Context, author string) ([]model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Activity
	for _, a := range s.activities {
		if a.Status != model.StatusPendingAttribution || !a.Source.CodeOrigin() {
			continue
		}
		if author != "" && model.NormalizeUsername(a.Author) != author {
			continue
		}
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b model.Activity) int {
		if c := a.OccurredAt.Compare(b.OccurredAt); c != 0 {
			return c
		}
		return s.seq[a.ID] - s.seq[b.ID]
	})
	return out, nil
}

func (s *Store) AppendEntry(_ context.Context, e model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Key]; ok {
		return storage.ErrDuplicate
	}
	s.entries[e.Key] = e
	s.byBuilder[e.BuilderID] = append(s.byBuilder[e.BuilderID], e.Key)
	return nil
}

func (s *Store) EntryByKey(_ context.Context, key string) (model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return model.LedgerEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) Entries(_ context.Context, builderID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byBuilder[builderID]
	out := make([]model.LedgerEntry, len(keys))
	for i, k := range keys {
		out[i] = s.entries[k]
	}
	return out, nil
}

func (s *Store) InsertNomination(_ context.Context, n model.Nomination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nominations[n.EventID]; ok {
		return storage.ErrDuplicate
	}
	s.nominations[n.EventID] = n
	return nil
}

func (s *Store) NominationByEvent(_ context.Context, eventID string) (model.Nomination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nominations[eventID]
	if !ok {
		return model.Nomination{}, storage.ErrNotFound
	}
	return n, nil
}

func (s *Store) InsertSnapshot(_ context.Context, snap model.LeaderboardSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap.Entries = slices.Clone(snap.Entries)
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *Store) LatestSnapshot(_ context.Context) (model.LeaderboardSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.snapshots) == 0 {
		return model.LeaderboardSnapshot{}, storage.ErrNotFound
	}
	snap := s.snapshots[len(s.snapshots)-1]
	snap.Entries = slices.Clone(snap.Entries)
	return snap, nil
}

// Close is a no-op.
func (s *Store) Close(_ context.Context) error { return nil }
