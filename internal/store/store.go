// Package store keeps resource content and version lineage. It knows nothing
// about search semantics; a registered Indexer is told about every committed
// write inside the same critical section that makes the write visible.
package store

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/platform/keylock"
)

// Version is an immutable snapshot of a logical resource.
type Version struct {
	ResourceType fhir.ResourceType
	ID           string
	VersionID    int
	LastUpdated  time.Time
	Deleted      bool
	// Content is nil for tombstones.
	Content fhir.Resource
}

// Reference returns the relative "Type/id" reference of the logical resource.
func (v *Version) Reference() string {
	return fhir.FormatReference(v.ResourceType, v.ID)
}

// Location returns the version-specific "Type/id/_history/n" path.
func (v *Version) Location() string {
	return fmt.Sprintf("%s/_history/%d", v.Reference(), v.VersionID)
}

// Clone returns a copy whose content may be modified freely.
func (v *Version) Clone() *Version {
	c := *v
	c.Content = v.Content.Clone()
	return &c
}

// Key identifies a logical resource.
type Key struct {
	Type fhir.ResourceType
	ID   string
}

func (k Key) String() string { return fhir.FormatReference(k.Type, k.ID) }

// lineage holds every version of one logical resource; versions[i] is version i+1.
type lineage struct {
	versions []*Version
}

func (l *lineage) current() *Version {
	if l == nil || len(l.versions) == 0 {
		return nil
	}
	return l.versions[len(l.versions)-1]
}

// Indexer receives the final state of each key touched by a commit.
type Indexer interface {
	Reindex(rt fhir.ResourceType, id string, content fhir.Resource)
	RemoveAll(rt fhir.ResourceType, id string)
}

// Journal makes committed write sets durable. Append is called with every
// version of one commit and must persist all of them or none.
type Journal interface {
	Append(ctx context.Context, versions []*Version) error
	Replay(ctx context.Context, fn func(*Version) error) error
	Close() error
}

type Option func(*Store)

func WithJournal(j Journal) Option { return func(s *Store) { s.journal = j } }

func WithIndexer(ix Indexer) Option { return func(s *Store) { s.indexer = ix } }

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides id allocation, which defaults to random UUIDs.
func WithIDGenerator(gen func() string) Option { return func(s *Store) { s.newID = gen } }

func WithLogger(l zerolog.Logger) Option { return func(s *Store) { s.logger = l } }

// Store is the arena of logical resources keyed by (type, id).
type Store struct {
	// mu guards arena and the indexer; writers hold it only for the apply step.
	mu    sync.RWMutex
	arena map[Key]*lineage

	// keys serializes writers per logical resource.
	keys *keylock.Map[string]
	// txMu serializes multi-resource transactions with each other.
	txMu sync.Mutex

	journal Journal
	indexer Indexer
	now     func() time.Time
	newID   func() string
	logger  zerolog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		arena:  make(map[Key]*lineage),
		keys:   keylock.New[string](),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.New().String() },
		logger: zerolog.Nop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replays the journal into the arena and rebuilds the index from the
// current versions. It must run before the store serves traffic.
func (s *Store) Load(ctx context.Context) error {
	if s.journal == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.journal.Replay(ctx, func(v *Version) error {
		k := Key{Type: v.ResourceType, ID: v.ID}
		l := s.arena[k]
		if l == nil {
			l = &lineage{}
			s.arena[k] = l
		}
		if v.VersionID != len(l.versions)+1 {
			return fmt.Errorf("journal gap for %s: got version %d after %d", k, v.VersionID, len(l.versions))
		}
		l.versions = append(l.versions, v)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if s.indexer != nil {
		for k, l := range s.arena {
			if cur := l.current(); !cur.Deleted {
				s.indexer.Reindex(k.Type, k.ID, cur.Content)
			}
		}
	}
	s.logger.Info().Int("versions", count).Int("resources", len(s.arena)).Msg("store loaded from journal")
	return nil
}

// Close releases the journal.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// Create allocates a fresh id and writes version 1.
func (s *Store) Create(ctx context.Context, rt fhir.ResourceType, content fhir.Resource) (*Version, error) {
	return s.Do(ctx, func(tx *Tx) (*Version, error) { return tx.Create(rt, content) })
}

// Update writes currentVersion+1. A missing resource is created with the
// given id. When expected is non-nil it must equal the current version.
func (s *Store) Update(ctx context.Context, rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*Version, error) {
	return s.Do(ctx, func(tx *Tx) (*Version, error) { return tx.Update(rt, id, content, expected) })
}

// Delete writes a tombstone version. Deleting an already deleted resource
// writes another tombstone.
func (s *Store) Delete(ctx context.Context, rt fhir.ResourceType, id string) (*Version, error) {
	return s.Do(ctx, func(tx *Tx) (*Version, error) { return tx.Delete(rt, id) })
}

// Do runs op in a single-resource transaction that is not serialized with
// Begin transactions. op must write at most one key. When op stages nothing,
// its own result is returned unchanged.
func (s *Store) Do(ctx context.Context, op func(*Tx) (*Version, error)) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := s.begin(false)
	v, err := op(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	committed, err := tx.Commit(ctx)
	if err != nil {
		return nil, err
	}
	if len(committed) == 0 {
		return v, nil
	}
	return committed[len(committed)-1], nil
}

// Read returns the current version.
func (s *Store) Read(_ context.Context, rt fhir.ResourceType, id string) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur := s.arena[Key{Type: rt, ID: id}].current()
	if cur == nil {
		return nil, fhir.NewNotFound(rt, id)
	}
	if cur.Deleted {
		return nil, fhir.NewGone(rt, id, cur.VersionID)
	}
	return cur.Clone(), nil
}

// VRead returns a specific version. Tombstone versions report Gone.
func (s *Store) VRead(_ context.Context, rt fhir.ResourceType, id string, versionID int) (*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.arena[Key{Type: rt, ID: id}]
	if l == nil || versionID < 1 || versionID > len(l.versions) {
		return nil, fhir.NewNotFound(rt, id)
	}
	v := l.versions[versionID-1]
	if v.Deleted {
		return nil, fhir.NewGone(rt, id, v.VersionID)
	}
	return v.Clone(), nil
}

// History returns the versions of a resource, newest first. When before > 0
// only versions strictly below it are returned.
func (s *Store) History(_ context.Context, rt fhir.ResourceType, id string, before int) ([]*Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l := s.arena[Key{Type: rt, ID: id}]
	if l == nil {
		return nil, fhir.NewNotFound(rt, id)
	}
	out := make([]*Version, 0, len(l.versions))
	for i := len(l.versions) - 1; i >= 0; i-- {
		v := l.versions[i]
		if before > 0 && v.VersionID >= before {
			continue
		}
		out = append(out, v.Clone())
	}
	return out, nil
}

// Snapshot is a consistent read view. Returned versions are shared with the
// store and must be cloned before modification.
type Snapshot interface {
	Current(rt fhir.ResourceType, id string) (*Version, bool)
}

type snapshot struct{ s *Store }

func (v snapshot) Current(rt fhir.ResourceType, id string) (*Version, bool) {
	cur := v.s.arena[Key{Type: rt, ID: id}].current()
	if cur == nil || cur.Deleted {
		return nil, false
	}
	return cur, true
}

// View runs fn while no commit can be applied, so the store and index are
// observed at a single point in time.
func (s *Store) View(fn func(Snapshot) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(snapshot{s: s})
}

// Current yields the current, non-deleted version of every resource of the
// given types (all types when none are given), grouped by type then id.
func (s *Store) Current(types ...fhir.ResourceType) iter.Seq[*Version] {
	want := make(map[fhir.ResourceType]bool, len(types))
	for _, rt := range types {
		want[rt] = true
	}
	return func(yield func(*Version) bool) {
		s.mu.RLock()
		var items []*Version
		for k, l := range s.arena {
			if len(want) > 0 && !want[k.Type] {
				continue
			}
			if cur := l.current(); !cur.Deleted {
				items = append(items, cur)
			}
		}
		s.mu.RUnlock()

		sort.Slice(items, func(i, j int) bool {
			if items[i].ResourceType != items[j].ResourceType {
				return items[i].ResourceType < items[j].ResourceType
			}
			return items[i].ID < items[j].ID
		})
		for _, v := range items {
			if !yield(v.Clone()) {
				return
			}
		}
	}
}
