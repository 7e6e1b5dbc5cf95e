package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/fhirstore/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Port:           "8000",
		Env:            "test",
		LogLevel:       "info",
		StorageBackend: config.BackendMemory,
		DBMaxConns:     1,
		AuthMode:       "none",
		AuditSinks:     []string{config.SinkLog},
		CORSOrigins:    []string{"*"},
		BodyLimit:      "1K",
	}
}

func serve(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	require.NoError(t, cfg.Validate())
	a, err := openApp(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return newServer(a)
}

func get(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/fhir+json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndMetadata(t *testing.T) {
	h := serve(t, memoryConfig())

	rec := get(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, config.BackendMemory, health["backend"])

	rec = get(h, http.MethodGet, "/fhir/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CapabilityStatement"`)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestServer_CreateAndBodyLimit(t *testing.T) {
	h := serve(t, memoryConfig())

	rec := get(h, http.MethodPost, "/fhir/Patient", `{"resourceType":"Patient","gender":"female"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, `W/"1"`, rec.Header().Get("ETag"))

	big := `{"resourceType":"Patient","gender":"female","name":[{"family":"` + strings.Repeat("x", 2048) + `"}]}`
	rec = get(h, http.MethodPost, "/fhir/Patient", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// bundles get the bulk limit
	bundle := `{"resourceType":"Bundle","type":"batch","entry":[],"id":"` + strings.Repeat("b", 2048) + `"}`
	rec = get(h, http.MethodPost, "/fhir", bundle)
	assert.NotEqual(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestServer_JWTMode(t *testing.T) {
	cfg := memoryConfig()
	cfg.AuthMode = "jwt"
	cfg.AuthJWTKey = "server-test-key"
	h := serve(t, cfg)

	assert.Equal(t, http.StatusUnauthorized, get(h, http.MethodGet, "/fhir/Patient", "").Code)
	assert.Equal(t, http.StatusOK, get(h, http.MethodGet, "/fhir/metadata", "").Code)
	assert.Equal(t, http.StatusOK, get(h, http.MethodGet, "/health", "").Code)
}

func TestOpenApp_FileJournalSurvivesRestart(t *testing.T) {
	cfg := memoryConfig()
	cfg.StorageBackend = config.BackendFile
	cfg.JournalPath = filepath.Join(t.TempDir(), "journal.ndjson")

	first := serve(t, cfg)
	rec := get(first, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p1","gender":"male"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	second := serve(t, cfg)
	rec = get(second, http.MethodGet, "/fhir/Patient/p1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"male"`)
}

// runCLI executes the command tree against an env file selecting a file
// journal in dir.
func runCLI(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	envFile := filepath.Join(dir, "test.env")
	env := "ENV=test\nSTORAGE_BACKEND=file\nJOURNAL_PATH=" + filepath.Join(dir, "journal.ndjson") + "\nAUDIT_SINKS=log\n"
	require.NoError(t, os.WriteFile(envFile, []byte(env), 0o600))

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_ImportThenExport(t *testing.T) {
	dir := t.TempDir()
	ndjson := `{"resourceType":"Patient","id":"p1","gender":"female"}
{"resourceType":"Observation","id":"o1","status":"final","code":{"text":"hr"},"subject":{"reference":"Patient/p1"}}
`
	out, err := runCLI(t, dir, ndjson, "import")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"OperationOutcome"`)

	out, err = runCLI(t, dir, "", "export", "--type", "Patient")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"id":"p1"`)

	target := filepath.Join(dir, "all.ndjson")
	_, err = runCLI(t, dir, "", "export", "-o", target)
	require.NoError(t, err)
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(data)), "\n"), 2)
}

func TestCLI_ImportReportsFailedLines(t *testing.T) {
	out, err := runCLI(t, t.TempDir(), "{not json}\n", "import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 line(s) failed")
	assert.Contains(t, out, `"processing"`)
}

func TestCLI_Validate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.json")
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"resourceType":"Patient","gender":"female"}`), 0o600))
	require.NoError(t, os.WriteFile(bad, []byte(`{"resourceType":"Patient","gender":"invalid_gender"}`), 0o600))

	out, err := runCLI(t, dir, "", "validate", good)
	require.NoError(t, err, out)

	out, err = runCLI(t, dir, "", "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out, "Patient.gender")
}

func TestCLI_ExportRejectsUnknownType(t *testing.T) {
	_, err := runCLI(t, t.TempDir(), "", "export", "--type", "Spaceship")
	require.Error(t, err)
}
