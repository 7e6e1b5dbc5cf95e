package conditional

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirstore/internal/index"
	"github.com/ehr/fhirstore/internal/platform/fhir"
	"github.com/ehr/fhirstore/internal/search"
	"github.com/ehr/fhirstore/internal/store"
)

func newResolver(t *testing.T) (*Resolver, *store.Store, *search.Executor) {
	t.Helper()
	ix := index.New(nil)
	st := store.New(store.WithIndexer(ix))
	exec := search.NewExecutor(st, ix)
	return New(st, exec), st, exec
}

func patientWithMRN(mrn string) fhir.Resource {
	return fhir.Resource{
		"resourceType": "Patient",
		"identifier":   []interface{}{map[string]interface{}{"system": "http://hospital.org/mrn", "value": mrn}},
	}
}

const mrnCriteria = "identifier=http://hospital.org/mrn|42"

func TestCreate_IdempotentOnSecondCall(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newResolver(t)

	first, err := r.Create(ctx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria)
	require.NoError(t, err)
	assert.Equal(t, Created, first.Outcome)
	assert.Equal(t, 1, first.Version.VersionID)

	second, err := r.Create(ctx, fhir.TypePatient, patientWithMRN("42"), "Patient?"+mrnCriteria)
	require.NoError(t, err)
	assert.Equal(t, Existing, second.Outcome)
	assert.Equal(t, first.Version.ID, second.Version.ID)
	assert.Equal(t, 1, second.Version.VersionID)

	hist, err := st.History(ctx, fhir.TypePatient, first.Version.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1, "no new version for an existing match")
}

func TestCreate_MultipleMatches(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newResolver(t)
	_, err := st.Create(ctx, fhir.TypePatient, patientWithMRN("42"))
	require.NoError(t, err)
	_, err = st.Create(ctx, fhir.TypePatient, patientWithMRN("42"))
	require.NoError(t, err)

	_, err = r.Create(ctx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria)
	assert.Equal(t, fhir.KindMultipleMatches, fhir.KindOf(err))
}

func TestCreate_ConcurrentCallersYieldOneResource(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newResolver(t)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Create(ctx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	count := 0
	for range st.Current(fhir.TypePatient) {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newResolver(t)

	created, err := r.Update(ctx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria, nil)
	require.NoError(t, err)
	assert.Equal(t, Created, created.Outcome)

	body := patientWithMRN("42")
	body["gender"] = "female"
	updated, err := r.Update(ctx, fhir.TypePatient, body, mrnCriteria, nil)
	require.NoError(t, err)
	assert.Equal(t, Updated, updated.Outcome)
	assert.Equal(t, created.Version.ID, updated.Version.ID)
	assert.Equal(t, 2, updated.Version.VersionID)

	wrongID := patientWithMRN("42")
	wrongID["id"] = "someone-else"
	_, err = r.Update(ctx, fhir.TypePatient, wrongID, mrnCriteria, nil)
	assert.Equal(t, fhir.KindValidationFailed, fhir.KindOf(err))

	stale := 1
	_, err = r.Update(ctx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria, &stale)
	assert.Equal(t, fhir.KindVersionConflict, fhir.KindOf(err))
}

func TestUpdate_NoMatchUsesBodyID(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newResolver(t)
	body := patientWithMRN("7")
	body["id"] = "chosen"
	res, err := r.Update(ctx, fhir.TypePatient, body, "identifier=http://hospital.org/mrn|7", nil)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	assert.Equal(t, "chosen", res.Version.ID)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newResolver(t)

	res, err := r.Delete(ctx, fhir.TypePatient, mrnCriteria)
	require.NoError(t, err)
	assert.Equal(t, NoMatch, res.Outcome)
	assert.Nil(t, res.Version)

	v, err := st.Create(ctx, fhir.TypePatient, patientWithMRN("42"))
	require.NoError(t, err)
	res, err = r.Delete(ctx, fhir.TypePatient, mrnCriteria)
	require.NoError(t, err)
	assert.Equal(t, Deleted, res.Outcome)
	assert.True(t, res.Version.Deleted)

	_, err = st.Read(ctx, fhir.TypePatient, v.ID)
	assert.Equal(t, fhir.KindGone, fhir.KindOf(err))
}

func TestInTransaction(t *testing.T) {
	ctx := context.Background()
	r, st, _ := newResolver(t)

	unlock := r.LockTypes(fhir.TypePatient, fhir.TypePatient)
	tx := st.Begin(ctx)
	res, err := r.CreateIn(ctx, tx, fhir.TypePatient, patientWithMRN("42"), mrnCriteria)
	require.NoError(t, err)
	assert.Equal(t, Created, res.Outcome)
	tx.Rollback()
	unlock()

	ids, err := r.Match(ctx, fhir.TypePatient, mrnCriteria)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
