package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

// ErrTxClosed is returned when a committed or rolled back Tx is used again.
var ErrTxClosed = errors.New("store: transaction already closed")

// Tx is a staged-write overlay. Writes are buffered and become visible only
// when Commit applies the whole buffer under the store's exclusive lock.
// Every key a Tx writes stays locked until Commit or Rollback.
type Tx struct {
	s      *Store
	multi  bool
	held   map[Key]func()
	staged map[Key][]*Version
	order  []*Version
	closed bool
}

// Begin opens a multi-resource transaction. Transactions are serialized with
// each other; single-resource writes proceed concurrently on other keys.
func (s *Store) Begin(_ context.Context) *Tx {
	s.txMu.Lock()
	return s.begin(true)
}

func (s *Store) begin(multi bool) *Tx {
	return &Tx{
		s:      s,
		multi:  multi,
		held:   make(map[Key]func()),
		staged: make(map[Key][]*Version),
	}
}

func (tx *Tx) lock(k Key) {
	if _, ok := tx.held[k]; ok {
		return
	}
	tx.held[k] = tx.s.keys.Lock(k.String())
}

// current returns the latest version of k as seen by this transaction.
func (tx *Tx) current(k Key) *Version {
	if staged := tx.staged[k]; len(staged) > 0 {
		return staged[len(staged)-1]
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.arena[k].current()
}

func (tx *Tx) stage(v *Version) *Version {
	k := Key{Type: v.ResourceType, ID: v.ID}
	tx.staged[k] = append(tx.staged[k], v)
	tx.order = append(tx.order, v)
	return v.Clone()
}

func checkContent(rt fhir.ResourceType, id string, content fhir.Resource) error {
	if content == nil {
		return fhir.Invalid(rt, "", "resource content is required")
	}
	if content.Type() != string(rt) {
		return fhir.Invalid(rt, "resourceType", "resourceType %q does not match %s", content.Type(), rt)
	}
	if id != "" && content.ID() != "" && content.ID() != id {
		return fhir.Invalid(rt, "id", "resource id %q does not match %q", content.ID(), id)
	}
	return nil
}

// Create stages version 1 of a resource with a freshly allocated id.
func (tx *Tx) Create(rt fhir.ResourceType, content fhir.Resource) (*Version, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if err := checkContent(rt, "", content); err != nil {
		return nil, err
	}
	var k Key
	for {
		k = Key{Type: rt, ID: tx.s.newID()}
		tx.lock(k)
		if tx.current(k) == nil {
			break
		}
	}
	now := tx.s.now()
	c := content.Clone()
	c.Stamp(k.ID, 1, now)
	return tx.stage(&Version{ResourceType: rt, ID: k.ID, VersionID: 1, LastUpdated: now, Content: c}), nil
}

// Update stages currentVersion+1, creating the resource under id when it does
// not exist yet.
func (tx *Tx) Update(rt fhir.ResourceType, id string, content fhir.Resource, expected *int) (*Version, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if id == "" {
		return nil, fhir.Invalid(rt, "id", "update requires an id")
	}
	if err := checkContent(rt, id, content); err != nil {
		return nil, err
	}
	k := Key{Type: rt, ID: id}
	tx.lock(k)
	curVersion := 0
	if cur := tx.current(k); cur != nil {
		curVersion = cur.VersionID
	}
	if expected != nil && *expected != curVersion {
		return nil, fhir.NewVersionConflict(rt, id, *expected, curVersion)
	}
	now := tx.s.now()
	c := content.Clone()
	c.Stamp(id, curVersion+1, now)
	return tx.stage(&Version{ResourceType: rt, ID: id, VersionID: curVersion + 1, LastUpdated: now, Content: c}), nil
}

// Delete stages a tombstone version.
func (tx *Tx) Delete(rt fhir.ResourceType, id string) (*Version, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	k := Key{Type: rt, ID: id}
	tx.lock(k)
	cur := tx.current(k)
	if cur == nil {
		return nil, fhir.NewNotFound(rt, id)
	}
	return tx.stage(&Version{ResourceType: rt, ID: id, VersionID: cur.VersionID + 1, LastUpdated: tx.s.now(), Deleted: true}), nil
}

// Read returns the current version as seen through the overlay.
func (tx *Tx) Read(rt fhir.ResourceType, id string) (*Version, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	cur := tx.current(Key{Type: rt, ID: id})
	if cur == nil {
		return nil, fhir.NewNotFound(rt, id)
	}
	if cur.Deleted {
		return nil, fhir.NewGone(rt, id, cur.VersionID)
	}
	return cur.Clone(), nil
}

// Staged reports how many versions are waiting to be committed.
func (tx *Tx) Staged() int { return len(tx.order) }

// Commit journals the staged versions and applies them, together with the
// matching index changes, in one exclusive critical section.
func (tx *Tx) Commit(ctx context.Context) ([]*Version, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	defer tx.release()
	if len(tx.order) == 0 {
		return nil, nil
	}
	s := tx.s

	if s.journal != nil {
		if err := s.journal.Append(ctx, tx.order); err != nil {
			return nil, fmt.Errorf("journal commit: %w", err)
		}
	}

	s.mu.Lock()
	for _, v := range tx.order {
		k := Key{Type: v.ResourceType, ID: v.ID}
		l := s.arena[k]
		if l == nil {
			l = &lineage{}
			s.arena[k] = l
		}
		l.versions = append(l.versions, v)
	}
	if s.indexer != nil {
		for k, versions := range tx.staged {
			final := versions[len(versions)-1]
			if final.Deleted {
				s.indexer.RemoveAll(k.Type, k.ID)
			} else {
				s.indexer.Reindex(k.Type, k.ID, final.Content)
			}
		}
	}
	s.mu.Unlock()

	out := make([]*Version, len(tx.order))
	for i, v := range tx.order {
		out[i] = v.Clone()
		s.logger.Debug().
			Str("resource_type", string(v.ResourceType)).
			Str("id", v.ID).
			Int("version", v.VersionID).
			Bool("deleted", v.Deleted).
			Msg("version committed")
	}
	return out, nil
}

// Rollback discards the staged versions. It is safe to call after Commit.
func (tx *Tx) Rollback() {
	if tx.closed {
		return
	}
	tx.release()
}

func (tx *Tx) release() {
	tx.closed = true
	for _, unlock := range tx.held {
		unlock()
	}
	tx.held = nil
	tx.staged = nil
	tx.order = nil
	if tx.multi {
		tx.s.txMu.Unlock()
	}
}
