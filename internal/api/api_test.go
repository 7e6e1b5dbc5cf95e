package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirstore/internal/engine"
	"github.com/ehr/fhirstore/internal/platform/auth"
)

const baseURL = "http://fhir.test/fhir"

var signingKey = []byte("api-test-signing-key")

func newServer(t *testing.T, withAuth bool) *echo.Echo {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	g := e.Group(Prefix)
	if withAuth {
		g.Use(auth.JWTMiddleware(auth.JWTConfig{SigningKey: signingKey}))
	}
	New(engine.NewInMemory(), baseURL, zerolog.Nop()).Register(g)
	return e
}

type response struct {
	code   int
	header http.Header
	body   map[string]interface{}
	raw    string
}

func do(t *testing.T, e *echo.Echo, method, path, body string, headers ...string) response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	out := response{code: rec.Code, header: rec.Header(), raw: rec.Body.String()}
	if strings.HasPrefix(strings.TrimSpace(out.raw), "{") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out.body), out.raw)
	}
	return out
}

func issueCodes(body map[string]interface{}) []string {
	var out []string
	issues, _ := body["issue"].([]interface{})
	for _, i := range issues {
		out = append(out, i.(map[string]interface{})["code"].(string))
	}
	return out
}

const patientJSON = `{"resourceType":"Patient","gender":"female","name":[{"family":"Doe"}],
	"identifier":[{"system":"http://hospital.org/mrn","value":"42"}]}`

func createPatient(t *testing.T, e *echo.Echo) string {
	t.Helper()
	res := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON)
	require.Equal(t, http.StatusCreated, res.code, res.raw)
	return res.body["id"].(string)
}

func TestResourceLifecycle(t *testing.T) {
	e := newServer(t, false)

	created := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON)
	require.Equal(t, http.StatusCreated, created.code, created.raw)
	id := created.body["id"].(string)
	assert.Equal(t, baseURL+"/Patient/"+id+"/_history/1", created.header.Get("Location"))
	assert.Equal(t, `W/"1"`, created.header.Get("ETag"))
	assert.NotEmpty(t, created.header.Get("Last-Modified"))
	assert.Contains(t, created.header.Get(echo.HeaderContentType), "application/fhir+json")

	read := do(t, e, http.MethodGet, "/fhir/Patient/"+id, "")
	assert.Equal(t, http.StatusOK, read.code)
	assert.Equal(t, "female", read.body["gender"])

	notModified := do(t, e, http.MethodGet, "/fhir/Patient/"+id, "", "If-None-Match", `W/"1"`)
	assert.Equal(t, http.StatusNotModified, notModified.code)

	update := strings.Replace(patientJSON, "female", "male", 1)
	updated := do(t, e, http.MethodPut, "/fhir/Patient/"+id, update, "If-Match", `W/"1"`)
	require.Equal(t, http.StatusOK, updated.code, updated.raw)
	assert.Equal(t, `W/"2"`, updated.header.Get("ETag"))

	stale := do(t, e, http.MethodPut, "/fhir/Patient/"+id, update, "If-Match", `W/"1"`)
	assert.Equal(t, http.StatusPreconditionFailed, stale.code)
	assert.Equal(t, []string{"conflict"}, issueCodes(stale.body))

	badETag := do(t, e, http.MethodPut, "/fhir/Patient/"+id, update, "If-Match", `W/"abc"`)
	assert.Equal(t, http.StatusBadRequest, badETag.code)

	deleted := do(t, e, http.MethodDelete, "/fhir/Patient/"+id, "")
	assert.Equal(t, http.StatusNoContent, deleted.code)
	assert.Equal(t, `W/"3"`, deleted.header.Get("ETag"))

	gone := do(t, e, http.MethodGet, "/fhir/Patient/"+id, "")
	assert.Equal(t, http.StatusGone, gone.code)
	assert.Equal(t, "OperationOutcome", gone.body["resourceType"])

	v1 := do(t, e, http.MethodGet, "/fhir/Patient/"+id+"/_history/1", "")
	assert.Equal(t, http.StatusOK, v1.code)
	assert.Equal(t, "female", v1.body["gender"])

	hist := do(t, e, http.MethodGet, "/fhir/Patient/"+id+"/_history", "")
	require.Equal(t, http.StatusOK, hist.code)
	assert.Equal(t, "history", hist.body["type"])
	assert.EqualValues(t, 3, hist.body["total"])

	older := do(t, e, http.MethodGet, "/fhir/Patient/"+id+"/_history?before=3", "")
	assert.EqualValues(t, 2, older.body["total"])

	badBefore := do(t, e, http.MethodGet, "/fhir/Patient/"+id+"/_history?before=x", "")
	assert.Equal(t, http.StatusBadRequest, badBefore.code)
}

func TestUpdate_CreatesAtClientID(t *testing.T) {
	e := newServer(t, false)
	res := do(t, e, http.MethodPut, "/fhir/Patient/chosen-id", patientJSON)
	assert.Equal(t, http.StatusCreated, res.code, res.raw)
	assert.Equal(t, "chosen-id", res.body["id"])
	assert.Equal(t, baseURL+"/Patient/chosen-id/_history/1", res.header.Get("Location"))
}

func TestPreferReturn(t *testing.T) {
	e := newServer(t, false)

	minimal := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON, "Prefer", "return=minimal")
	assert.Equal(t, http.StatusCreated, minimal.code)
	assert.Empty(t, minimal.raw)
	assert.NotEmpty(t, minimal.header.Get("Location"))

	oo := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON, "Prefer", "return=OperationOutcome")
	assert.Equal(t, "OperationOutcome", oo.body["resourceType"])
}

func TestConditionalOperations(t *testing.T) {
	e := newServer(t, false)
	criteria := "identifier=http://hospital.org/mrn|42"

	first := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON, "If-None-Exist", criteria)
	require.Equal(t, http.StatusCreated, first.code, first.raw)
	again := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON, "If-None-Exist", criteria)
	assert.Equal(t, http.StatusOK, again.code)
	assert.Equal(t, first.body["id"], again.body["id"])

	q := "/fhir/Patient?" + url.PathEscape(criteria)
	updated := do(t, e, http.MethodPut, q, strings.Replace(patientJSON, "female", "other", 1))
	require.Equal(t, http.StatusOK, updated.code, updated.raw)
	assert.Equal(t, first.body["id"], updated.body["id"])
	assert.Equal(t, `W/"2"`, updated.header.Get("ETag"))

	noCriteria := do(t, e, http.MethodDelete, "/fhir/Patient", "")
	assert.Equal(t, http.StatusPreconditionFailed, noCriteria.code)

	createPatient(t, e)
	multiple := do(t, e, http.MethodDelete, q, "")
	assert.Equal(t, http.StatusPreconditionFailed, multiple.code)
	assert.Equal(t, []string{"multiple-matches"}, issueCodes(multiple.body))

	none := do(t, e, http.MethodDelete, "/fhir/Patient?identifier=http://hospital.org/mrn|missing", "")
	assert.Equal(t, http.StatusNoContent, none.code)
}

func TestSearch(t *testing.T) {
	e := newServer(t, false)
	id := createPatient(t, e)
	obs := `{"resourceType":"Observation","status":"final","code":{"text":"hr"},"subject":{"reference":"Patient/` + id + `"}}`
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusCreated, do(t, e, http.MethodPost, "/fhir/Observation", obs).code)
	}

	get := do(t, e, http.MethodGet, "/fhir/Observation?subject=Patient/"+id+"&_count=2", "")
	require.Equal(t, http.StatusOK, get.code, get.raw)
	assert.Equal(t, "searchset", get.body["type"])
	assert.EqualValues(t, 3, get.body["total"])
	assert.Len(t, get.body["entry"], 2)

	req := httptest.NewRequest(http.MethodPost, "/fhir/Observation/_search?_count=1", strings.NewReader("subject=Patient/"+id))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var post map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &post))
	assert.EqualValues(t, 3, post["total"])
	assert.Len(t, post["entry"], 1)

	unsupported := do(t, e, http.MethodGet, "/fhir/Observation?_bogus=1", "")
	assert.Equal(t, http.StatusBadRequest, unsupported.code)
	assert.Equal(t, []string{"not-supported"}, issueCodes(unsupported.body))

	unknown := do(t, e, http.MethodGet, "/fhir/Spaceship", "")
	assert.Equal(t, http.StatusNotFound, unknown.code)
}

func TestBadRequests(t *testing.T) {
	e := newServer(t, false)

	malformed := do(t, e, http.MethodPost, "/fhir/Patient", "{not json")
	assert.Equal(t, http.StatusBadRequest, malformed.code)
	assert.Equal(t, []string{"invalid"}, issueCodes(malformed.body))

	invalid := do(t, e, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","gender":"robot"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, invalid.code)

	mismatch := do(t, e, http.MethodPost, "/fhir/Observation", patientJSON)
	assert.Equal(t, http.StatusUnprocessableEntity, mismatch.code)

	missing := do(t, e, http.MethodGet, "/fhir/Patient/nope", "")
	assert.Equal(t, http.StatusNotFound, missing.code)
	assert.Equal(t, []string{"not-found"}, issueCodes(missing.body))

	noRoute := do(t, e, http.MethodGet, "/elsewhere", "")
	assert.Equal(t, http.StatusNotFound, noRoute.code)
	assert.Equal(t, "OperationOutcome", noRoute.body["resourceType"])
}

func TestBundle(t *testing.T) {
	e := newServer(t, false)
	tx := `{"resourceType":"Bundle","type":"transaction","entry":[
		{"fullUrl":"urn:uuid:p","resource":{"resourceType":"Patient","gender":"male"},"request":{"method":"POST","url":"Patient"}},
		{"resource":{"resourceType":"Observation","status":"final","code":{"text":"hr"},"subject":{"reference":"urn:uuid:p"}},"request":{"method":"POST","url":"Observation"}}
	]}`
	res := do(t, e, http.MethodPost, "/fhir", tx)
	require.Equal(t, http.StatusOK, res.code, res.raw)
	assert.Equal(t, "transaction-response", res.body["type"])
	entries := res.body["entry"].([]interface{})
	require.Len(t, entries, 2)
	status := entries[0].(map[string]interface{})["response"].(map[string]interface{})["status"].(string)
	assert.True(t, strings.HasPrefix(status, "201"), status)

	failing := strings.Replace(tx, `"gender":"male"`, `"gender":"robot"`, 1)
	rolledBack := do(t, e, http.MethodPost, "/fhir/", failing)
	assert.Equal(t, http.StatusBadRequest, rolledBack.code)
	assert.Equal(t, "OperationOutcome", rolledBack.body["resourceType"])

	search := do(t, e, http.MethodGet, "/fhir/Patient", "")
	assert.EqualValues(t, 1, search.body["total"], "the rolled back patient must not exist")
}

func TestValidateOperation(t *testing.T) {
	e := newServer(t, false)
	ok := do(t, e, http.MethodPost, "/fhir/Patient/$validate", patientJSON)
	require.Equal(t, http.StatusOK, ok.code)
	assert.Equal(t, []string{"informational"}, issueCodes(ok.body))

	bad := do(t, e, http.MethodPost, "/fhir/Observation/$validate", `{"resourceType":"Observation"}`)
	require.Equal(t, http.StatusOK, bad.code)
	assert.NotContains(t, issueCodes(bad.body), "informational")

	none := do(t, e, http.MethodGet, "/fhir/Patient", "")
	assert.EqualValues(t, 0, none.body["total"], "$validate must not store anything")
}

func TestEverythingAndCapabilities(t *testing.T) {
	e := newServer(t, false)
	id := createPatient(t, e)
	obs := `{"resourceType":"Observation","status":"final","code":{"text":"hr"},"subject":{"reference":"Patient/` + id + `"}}`
	require.Equal(t, http.StatusCreated, do(t, e, http.MethodPost, "/fhir/Observation", obs).code)

	all := do(t, e, http.MethodGet, "/fhir/Patient/"+id+"/$everything", "")
	require.Equal(t, http.StatusOK, all.code, all.raw)
	assert.EqualValues(t, 2, all.body["total"])

	wrongType := do(t, e, http.MethodGet, "/fhir/Observation/x/$everything", "")
	assert.Equal(t, http.StatusNotFound, wrongType.code)

	meta := do(t, e, http.MethodGet, "/fhir/metadata", "")
	require.Equal(t, http.StatusOK, meta.code)
	assert.Equal(t, "CapabilityStatement", meta.body["resourceType"])
}

func TestExportImport(t *testing.T) {
	e := newServer(t, false)
	ndjson := `{"resourceType":"Patient","id":"a","gender":"male"}` + "\n" +
		`{"resourceType":"Patient","gender":"robot"}` + "\n" +
		`{"resourceType":"Observation","status":"final","code":{"text":"hr"},"subject":{"reference":"Patient/a"}}` + "\n"

	imported := do(t, e, http.MethodPost, "/fhir/$import", ndjson)
	require.Equal(t, http.StatusOK, imported.code, imported.raw)
	assert.Equal(t, "OperationOutcome", imported.body["resourceType"])
	assert.Equal(t, []string{"informational", "processing"}, issueCodes(imported.body))

	exported := do(t, e, http.MethodGet, "/fhir/$export", "")
	require.Equal(t, http.StatusOK, exported.code)
	assert.Equal(t, "application/fhir+ndjson", exported.header.Get(echo.HeaderContentType))
	var types []string
	sc := bufio.NewScanner(strings.NewReader(exported.raw))
	for sc.Scan() {
		var r map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		types = append(types, r["resourceType"].(string))
	}
	assert.Equal(t, []string{"Observation", "Patient"}, types)

	onlyPatients := do(t, e, http.MethodGet, "/fhir/Patient/$export", "")
	assert.Equal(t, 1, strings.Count(onlyPatients.raw, "\n"))

	byParam := do(t, e, http.MethodGet, "/fhir/$export?_type=Observation", "")
	assert.Equal(t, 1, strings.Count(byParam.raw, "\n"))

	badType := do(t, e, http.MethodGet, "/fhir/$export?_type=Spaceship", "")
	assert.Equal(t, http.StatusBadRequest, badType.code)
}

func token(t *testing.T, subject, patient string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Patient: patient,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	require.NoError(t, err)
	return "Bearer " + s
}

func TestPatientScopedToken(t *testing.T) {
	e := newServer(t, true)
	admin := token(t, "admin", "")

	create := func() string {
		res := do(t, e, http.MethodPost, "/fhir/Patient", patientJSON, "Authorization", admin)
		require.Equal(t, http.StatusCreated, res.code, res.raw)
		return res.body["id"].(string)
	}
	mine, theirs := create(), create()
	scoped := token(t, "portal-user", mine)

	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/fhir/Patient/"+mine, "").code)
	assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/fhir/metadata", "").code)

	assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/fhir/Patient/"+mine, "", "Authorization", scoped).code)
	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodGet, "/fhir/Patient/"+theirs, "", "Authorization", scoped).code)

	search := do(t, e, http.MethodGet, "/fhir/Patient", "", "Authorization", scoped)
	assert.EqualValues(t, 1, search.body["total"])
	all := do(t, e, http.MethodGet, "/fhir/Patient", "", "Authorization", admin)
	assert.EqualValues(t, 2, all.body["total"])
}

func TestRequestClassifiers(t *testing.T) {
	post := func(path string) *http.Request { return httptest.NewRequest(http.MethodPost, path, nil) }
	assert.True(t, IsBulk(post("/fhir")))
	assert.True(t, IsBulk(post("/fhir/")))
	assert.True(t, IsBulk(post("/fhir/$import")))
	assert.False(t, IsBulk(post("/fhir/Patient")))
	assert.False(t, IsBulk(httptest.NewRequest(http.MethodGet, "/fhir", nil)))

	assert.True(t, IsStreaming(httptest.NewRequest(http.MethodGet, "/fhir/$export", nil)))
	assert.True(t, IsStreaming(httptest.NewRequest(http.MethodGet, "/fhir/Patient/$export", nil)))
	assert.False(t, IsStreaming(httptest.NewRequest(http.MethodGet, "/fhir/Patient", nil)))
}
