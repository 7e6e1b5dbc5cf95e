package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirstore/internal/platform/fhir"
)

type recordingIndexer struct {
	mu       sync.Mutex
	indexed  map[string]fhir.Resource
	removals int
}

func newRecordingIndexer() *recordingIndexer {
	return &recordingIndexer{indexed: make(map[string]fhir.Resource)}
}

func (r *recordingIndexer) Reindex(rt fhir.ResourceType, id string, content fhir.Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.indexed[fhir.FormatReference(rt, id)] = content
}

func (r *recordingIndexer) RemoveAll(rt fhir.ResourceType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexed, fhir.FormatReference(rt, id))
	r.removals++
}

func (r *recordingIndexer) has(ref string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.indexed[ref]
	return ok
}

func sequentialIDs() func() string {
	var n int64
	return func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&n, 1)) }
}

func patient(family string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"name":         []interface{}{map[string]interface{}{"family": family}},
	}
}

func TestStore_CreateReadStampsMeta(t *testing.T) {
	ctx := context.Background()
	s := New(WithIDGenerator(sequentialIDs()))

	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", v.ID)
	assert.Equal(t, 1, v.VersionID)

	got, err := s.Read(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "id-1", got.Content.ID())
	meta := got.Content["meta"].(map[string]interface{})
	assert.Equal(t, "1", meta["versionId"])
	assert.NotEmpty(t, meta["lastUpdated"])
}

func TestStore_ReadReturnsIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)

	got, err := s.Read(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	got.Content["gender"] = "male"

	again, err := s.Read(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	_, mutated := again.Content["gender"]
	assert.False(t, mutated)
}

func TestStore_VersionMonotonicity(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)

	for i := 2; i <= 4; i++ {
		u, err := s.Update(ctx, fhir.TypePatient, v.ID, patient(fmt.Sprintf("Doe%d", i)), nil)
		require.NoError(t, err)
		assert.Equal(t, i, u.VersionID)
	}
	d, err := s.Delete(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, d.VersionID)
	assert.True(t, d.Deleted)

	hist, err := s.History(ctx, fhir.TypePatient, v.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 5)
	for i, h := range hist {
		assert.Equal(t, 5-i, h.VersionID)
	}

	older, err := s.History(ctx, fhir.TypePatient, v.ID, 3)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, 2, older[0].VersionID)
}

func TestStore_UpdateExpectedVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)

	stale := 0
	_, err = s.Update(ctx, fhir.TypePatient, v.ID, patient("X"), &stale)
	assert.True(t, errors.Is(err, fhir.ErrVersionConflict))

	one := 1
	u, err := s.Update(ctx, fhir.TypePatient, v.ID, patient("X"), &one)
	require.NoError(t, err)
	assert.Equal(t, 2, u.VersionID)
}

func TestStore_UpdateUpserts(t *testing.T) {
	ctx := context.Background()
	s := New()
	u, err := s.Update(ctx, fhir.TypePatient, "chosen", patient("Doe"), nil)
	require.NoError(t, err)
	assert.Equal(t, "chosen", u.ID)
	assert.Equal(t, 1, u.VersionID)

	expected := 3
	_, err = s.Update(ctx, fhir.TypePatient, "missing", patient("Doe"), &expected)
	assert.Equal(t, fhir.KindVersionConflict, fhir.KindOf(err))
}

func TestStore_ContentMismatchRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Create(ctx, fhir.TypeObservation, patient("Doe"))
	assert.Equal(t, fhir.KindValidationFailed, fhir.KindOf(err))

	_, err = s.Create(ctx, fhir.TypePatient, nil)
	assert.Equal(t, fhir.KindValidationFailed, fhir.KindOf(err))

	body := patient("Doe")
	body["id"] = "other"
	_, err = s.Update(ctx, fhir.TypePatient, "p1", body, nil)
	assert.Equal(t, fhir.KindValidationFailed, fhir.KindOf(err))
}

func TestStore_DeleteSemantics(t *testing.T) {
	ctx := context.Background()
	ix := newRecordingIndexer()
	s := New(WithIndexer(ix))
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)
	assert.True(t, ix.has(v.Reference()))

	d1, err := s.Delete(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	d2, err := s.Delete(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, d1.VersionID)
	assert.Equal(t, 3, d2.VersionID)
	assert.False(t, ix.has(v.Reference()))

	_, err = s.Read(ctx, fhir.TypePatient, v.ID)
	assert.True(t, errors.Is(err, fhir.ErrGone))

	old, err := s.VRead(ctx, fhir.TypePatient, v.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "Patient", old.Content.Type())

	_, err = s.VRead(ctx, fhir.TypePatient, v.ID, 2)
	assert.True(t, errors.Is(err, fhir.ErrGone))
	_, err = s.VRead(ctx, fhir.TypePatient, v.ID, 9)
	assert.True(t, errors.Is(err, fhir.ErrNotFound))

	_, err = s.Delete(ctx, fhir.TypePatient, "never")
	assert.True(t, errors.Is(err, fhir.ErrNotFound))

	revived, err := s.Update(ctx, fhir.TypePatient, v.ID, patient("Back"), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, revived.VersionID)
	assert.True(t, ix.has(v.Reference()))
}

func TestTx_RollbackLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	ix := newRecordingIndexer()
	s := New(WithIndexer(ix))
	existing, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)

	tx := s.Begin(ctx)
	created, err := tx.Create(fhir.TypePatient, patient("New"))
	require.NoError(t, err)
	_, err = tx.Update(fhir.TypePatient, existing.ID, patient("Changed"), nil)
	require.NoError(t, err)

	through, err := tx.Read(fhir.TypePatient, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, through.VersionID)

	_, err = s.Read(ctx, fhir.TypePatient, created.ID)
	assert.True(t, errors.Is(err, fhir.ErrNotFound), "staged write must not be visible before commit")

	tx.Rollback()

	_, err = s.Read(ctx, fhir.TypePatient, created.ID)
	assert.True(t, errors.Is(err, fhir.ErrNotFound))
	cur, err := s.Read(ctx, fhir.TypePatient, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.VersionID)
	assert.False(t, ix.has(created.Reference()))

	_, err = tx.Create(fhir.TypePatient, patient("Late"))
	assert.ErrorIs(t, err, ErrTxClosed)
}

func TestTx_CommitAppliesFinalStateToIndex(t *testing.T) {
	ctx := context.Background()
	ix := newRecordingIndexer()
	s := New(WithIndexer(ix))

	tx := s.Begin(ctx)
	v, err := tx.Create(fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)
	u, err := tx.Update(fhir.TypePatient, v.ID, patient("Roe"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, u.VersionID)
	committed, err := tx.Commit(ctx)
	require.NoError(t, err)
	require.Len(t, committed, 2)

	hist, err := s.History(ctx, fhir.TypePatient, v.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2)

	ix.mu.Lock()
	content := ix.indexed[v.Reference()]
	ix.mu.Unlock()
	name := content["name"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "Roe", name["family"])
}

func TestStore_ConcurrentUpdatesSameExpectedVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		successes int64
		conflicts int64
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			expected := 1
			_, err := s.Update(ctx, fhir.TypePatient, v.ID, patient(fmt.Sprintf("W%d", i)), &expected)
			switch {
			case err == nil:
				atomic.AddInt64(&successes, 1)
			case errors.Is(err, fhir.ErrVersionConflict):
				atomic.AddInt64(&conflicts, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(7), conflicts)
}

func TestStore_CurrentGroupsByType(t *testing.T) {
	ctx := context.Background()
	s := New(WithIDGenerator(sequentialIDs()))
	_, err := s.Create(ctx, fhir.TypePatient, patient("A"))
	require.NoError(t, err)
	obs, err := s.Create(ctx, fhir.TypeObservation, fhir.Resource{"resourceType": "Observation"})
	require.NoError(t, err)
	gone, err := s.Create(ctx, fhir.TypePatient, patient("B"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, fhir.TypePatient, gone.ID)
	require.NoError(t, err)

	var refs []string
	for v := range s.Current() {
		refs = append(refs, v.Reference())
	}
	assert.Equal(t, []string{obs.Reference(), "Patient/id-1"}, refs)

	refs = nil
	for v := range s.Current(fhir.TypePatient) {
		refs = append(refs, v.Reference())
	}
	assert.Equal(t, []string{"Patient/id-1"}, refs)
}

func TestFileJournal_ReplayRebuildsStoreAndIndex(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.ndjson")

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	s := New(WithJournal(j))
	v, err := s.Create(ctx, fhir.TypePatient, patient("Doe"))
	require.NoError(t, err)
	_, err = s.Update(ctx, fhir.TypePatient, v.ID, patient("Roe"), nil)
	require.NoError(t, err)
	gone, err := s.Create(ctx, fhir.TypePatient, patient("Gone"))
	require.NoError(t, err)
	_, err = s.Delete(ctx, fhir.TypePatient, gone.ID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Simulate a crash halfway through writing a commit.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"versions":[{"resourceType":"Patient"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2, err := OpenFileJournal(path)
	require.NoError(t, err)
	ix := newRecordingIndexer()
	s2 := New(WithJournal(j2), WithIndexer(ix))
	require.NoError(t, s2.Load(ctx))

	cur, err := s2.Read(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, cur.VersionID)
	assert.True(t, ix.has(v.Reference()))
	assert.False(t, ix.has(gone.Reference()))
	_, err = s2.Read(ctx, fhir.TypePatient, gone.ID)
	assert.True(t, errors.Is(err, fhir.ErrGone))

	// Appends after a truncated tail must replay cleanly.
	_, err = s2.Update(ctx, fhir.TypePatient, v.ID, patient("Third"), nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())

	j3, err := OpenFileJournal(path)
	require.NoError(t, err)
	s3 := New(WithJournal(j3))
	require.NoError(t, s3.Load(ctx))
	cur, err = s3.Read(ctx, fhir.TypePatient, v.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cur.VersionID)
	require.NoError(t, s3.Close())
}

// tornFile writes half of the next buffer and then fails, like a full disk.
type tornFile struct {
	journalFile
	fail bool
}

func (f *tornFile) Write(p []byte) (int, error) {
	if !f.fail {
		return f.journalFile.Write(p)
	}
	f.fail = false
	n, _ := f.journalFile.Write(p[:len(p)/2])
	return n, errors.New("no space left on device")
}

func TestFileJournal_FailedAppendLeavesNoTornLine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.ndjson")
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	version := func(id string) []*Version {
		return []*Version{{ResourceType: fhir.TypePatient, ID: id, VersionID: 1, LastUpdated: at, Content: patient(id)}}
	}

	j, err := OpenFileJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Append(ctx, version("a")))

	file := &tornFile{journalFile: j.f, fail: true}
	j.f = file
	require.Error(t, j.Append(ctx, version("b")))
	require.NoError(t, j.Append(ctx, version("c")))
	require.NoError(t, j.Close())

	j2, err := OpenFileJournal(path)
	require.NoError(t, err)
	defer j2.Close()
	var ids []string
	require.NoError(t, j2.Replay(ctx, func(v *Version) error {
		ids = append(ids, v.ID)
		return nil
	}))
	assert.Equal(t, []string{"a", "c"}, ids)
}
