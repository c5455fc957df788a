package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/cfg"
	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/dispatch"
	"github.com/nonatech-uk/hash-calendar-email/internal/email"
	"github.com/nonatech-uk/hash-calendar-email/internal/model"
	"github.com/nonatech-uk/hash-calendar-email/internal/reconcile"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

const (
	testSecret   = "s3cretwebhooktoken"
	testPassword = "on-on"
)

type stubExtractor struct {
	fields model.Fields
	calls  int
}

func (s *stubExtractor) Extract(ctx context.Context, apiKey, subject, body string) (model.Fields, error) {
	s.calls++
	return s.fields, nil
}

type outbox struct {
	sent []*email.Message
}

func (o *outbox) Send(ctx context.Context, msg *email.Message) error {
	o.sent = append(o.sent, msg)
	return nil
}

type testServer struct {
	handler   http.Handler
	db        *db.DB
	tokens    *auth.TokenService
	extractor *stubExtractor
	outbox    *outbox
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServer(t, &cfg.Config{
		JWTSigningKey: []byte("test-signing-key"),
		AdminTokenTTL: time.Hour,
		Version:       "test",
	})
}

func newTestServer(t *testing.T, config *cfg.Config) *testServer {
	t.Helper()
	ctx := context.Background()

	database, err := db.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, settings.Set(ctx, database, settings.KeyWebhookSecret, testSecret))
	require.NoError(t, settings.Set(ctx, database, settings.KeyAuthorisedEmails, "hare@example.com"))
	require.NoError(t, settings.Set(ctx, database, settings.KeyAdminPassword, testPassword))
	require.NoError(t, settings.Set(ctx, database, settings.KeySiteURL, "https://gh3.example"))

	tokens := auth.NewTokenService(config.JWTSigningKey, "hashmail-test", config.AdminTokenTTL)

	ts := &testServer{
		db:        database,
		tokens:    tokens,
		extractor: &stubExtractor{},
		outbox:    &outbox{},
	}
	engine := reconcile.New(database, nil)
	processor := bulk.New(engine, database, nil)
	dispatcher := dispatch.New(dispatch.Deps{
		Extractor: ts.extractor,
		Engine:    engine,
		Bulk:      processor,
		Audit:     database,
		Mailer:    func(*settings.Settings) (email.Sender, error) { return ts.outbox, nil },
	})

	h := NewHandler(database, config, tokens, dispatcher, processor, nil, zap.NewNop())
	ts.handler = WithDefaults(NewRouter(h), zap.NewNop(), false)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) adminHeader(t *testing.T) map[string]string {
	t.Helper()
	token, err := ts.tokens.GenerateAdminToken("admin")
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func payload(from, subject, text string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"from":    map[string]interface{}{"value": []map[string]string{{"address": from}}},
		"subject": subject,
		"text":    text,
	})
	return string(b)
}

func TestHealth(t *testing.T) {
	ts := setupTestServer(t)

	for _, path := range []string{"/health", "/healthz"} {
		rec := ts.do(t, "GET", path, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp HealthResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "test", resp.Version)
	}

	rec := ts.do(t, "GET", "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready"`)
}

func TestReady_DatabaseClosed(t *testing.T) {
	ts := setupTestServer(t)
	ts.db.Close()

	rec := ts.do(t, "GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"not ready"`)
}

func TestIncoming_BadToken(t *testing.T) {
	ts := setupTestServer(t)
	body := payload("hare@example.com", "Run 2120", "Sunday")

	for _, path := range []string{
		"/webhook/incoming",
		"/webhook/incoming?token=wrong",
		"/webhook/incoming?token=" + testSecret + "x",
	} {
		rec := ts.do(t, "POST", path, body, nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
		assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())
	}
	assert.Zero(t, ts.extractor.calls)
	assert.Empty(t, ts.outbox.sent)

	rec := ts.do(t, "GET", "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), "hashmail_webhook_rejected_total 3")
}

func TestIncoming_InvalidPayload(t *testing.T) {
	ts := setupTestServer(t)

	for _, body := range []string{"{not json", "", `["hare@example.com"]`} {
		rec := ts.do(t, "POST", "/webhook/incoming?token="+testSecret, body, nil)
		assert.Equal(t, http.StatusOK, rec.Code, body)
		assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	}
	assert.Empty(t, ts.outbox.sent)
	assert.Zero(t, ts.extractor.calls)

	rec := ts.do(t, "GET", "/metrics", "", nil)
	assert.Contains(t, rec.Body.String(), `hashmail_messages_total{command="none",result="dropped"} 3`)
}

func TestIncoming_OddAttachmentsStillAnswered(t *testing.T) {
	ts := setupTestServer(t)

	body := `{"from":{"value":[{"address":"hare@example.com"}]},"subject":"help","attachments":{}}`
	rec := ts.do(t, "POST", "/webhook/incoming?token="+testSecret, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.outbox.sent, 1)
	assert.Equal(t, "hare@example.com", ts.outbox.sent[0].To)
}

func TestIncoming_UnauthorisedSender(t *testing.T) {
	ts := setupTestServer(t)
	ts.extractor.fields = model.Fields{"run_number": "2120", "run_date": "2026-03-16"}

	rec := ts.do(t, "POST", "/webhook/incoming?token="+testSecret,
		payload("eve@example.com", "Run 2120", "Sunday"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	runs, err := ts.db.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.Zero(t, ts.extractor.calls)
	assert.Empty(t, ts.outbox.sent)
}

func TestIncoming_CreatesRun(t *testing.T) {
	ts := setupTestServer(t)
	ts.extractor.fields = model.Fields{
		"run_number": "2120",
		"run_date":   "2026-03-16",
		"hares":      "Speedy",
		"location":   "Cricket Ground Shere",
	}

	rec := ts.do(t, "POST", "/wp-json/gh3-email/v1/incoming?token="+testSecret,
		payload("Hare@Example.com", "Run 2120", "Sunday at Shere"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	runs, err := ts.db.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.StatusPublish, runs[0].Status)

	require.Len(t, ts.outbox.sent, 1)
	reply := ts.outbox.sent[0]
	assert.Equal(t, "Hare@Example.com", reply.To)
	assert.Contains(t, reply.Body, "https://gh3.example/runs/"+runs[0].ID)

	page := ts.do(t, "GET", "/runs/"+runs[0].ID, "", nil)
	require.Equal(t, http.StatusOK, page.Code)
	assert.Equal(t, "text/plain; charset=utf-8", page.Header().Get("Content-Type"))
	assert.Contains(t, page.Body.String(), "Run #2120\n")
	assert.Contains(t, page.Body.String(), "Hare(s): Speedy\n")
	assert.Contains(t, page.Body.String(), "Date: 2026-03-16\n")
}

func TestRunPage_NotFound(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "GET", "/runs/does-not-exist", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueToken(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "POST", "/api/v1/auth/token", `{"password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/auth/token", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/auth/token", `{"password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)

	claims, err := ts.tokens.ValidateToken(resp.AccessToken)
	require.NoError(t, err)
	assert.True(t, claims.HasScope(auth.AdminScope))

	list := ts.do(t, "GET", "/api/v1/runs", "", map[string]string{"Authorization": "Bearer " + resp.AccessToken})
	assert.Equal(t, http.StatusOK, list.Code)
}

func TestAdmin_RequiresAuth(t *testing.T) {
	ts := setupTestServer(t)

	for _, path := range []string{"/api/v1/runs", "/api/v1/runs/export", "/api/v1/settings", "/api/v1/audit"} {
		rec := ts.do(t, "GET", path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = ts.do(t, "GET", path, "", map[string]string{"Authorization": "Bearer garbage"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	other := auth.NewTokenService([]byte("another-key"), "hashmail-test", time.Hour)
	token, err := other.GenerateAdminToken("admin")
	require.NoError(t, err)
	rec := ts.do(t, "GET", "/api/v1/runs", "", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_ListAndExportRuns(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	engine := reconcile.New(ts.db, nil)
	_, err := engine.Apply(ctx, model.Fields{"run_number": "2120", "run_date": "2026-03-16", "hares": "Speedy"})
	require.NoError(t, err)

	rec := ts.do(t, "GET", "/api/v1/runs", "", ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RunsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Speedy", resp.Runs[0].Attrs["hares"])

	rec = ts.do(t, "GET", "/api/v1/runs/export", "", ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Run-Count"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), bulk.ExportFilename)
	assert.True(t, strings.HasPrefix(rec.Body.String(), strings.Join(bulk.Columns, ",")+"\n"))
	assert.Contains(t, rec.Body.String(), "2120,")
}

func TestAdmin_Settings(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "GET", "/api/v1/settings", "", ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	var values map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&values))
	assert.Equal(t, "********", values[settings.KeyWebhookSecret])
	assert.Equal(t, "hare@example.com", values[settings.KeyAuthorisedEmails])

	rec = ts.do(t, "PUT", "/api/v1/settings",
		`{"smtp_port":"not-a-port","from_name":"Should Not Stick"}`, ts.adminHeader(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s, err := settings.Load(context.Background(), ts.db)
	require.NoError(t, err)
	assert.Equal(t, "GH3 Hash Runs", s.FromName, "nothing is written when any key is invalid")

	rec = ts.do(t, "PUT", "/api/v1/settings",
		`{"smtp_port":"587","authorised_emails":"A@Example.com\nb@example.com"}`, ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	s, err = settings.Load(context.Background(), ts.db)
	require.NoError(t, err)
	assert.Equal(t, 587, s.SMTPPort)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, s.AuthorisedEmails)

	rec = ts.do(t, "PUT", "/api/v1/settings",
		`{"authorised_emails":"Hare@Example.com, gm@example.com"}`, ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)

	s, err = settings.Load(context.Background(), ts.db)
	require.NoError(t, err)
	assert.Equal(t, []string{"hare@example.com", "gm@example.com"}, s.AuthorisedEmails)
	assert.True(t, s.IsAuthorised("GM@example.com"))

	rec = ts.do(t, "GET", "/api/v1/audit", "", ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settings.update")

	rec = ts.do(t, "GET", "/api/v1/audit?limit=zero", "", ts.adminHeader(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdmin_PasswordChange(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "PUT", "/api/v1/settings", `{"admin_password":"drink-check"}`, ts.adminHeader(t))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "drink-check")

	rec = ts.do(t, "POST", "/api/v1/auth/token", `{"password":"drink-check"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/auth/token", `{"password":"`+testPassword+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdmin_DisabledWithoutSigningKey(t *testing.T) {
	ts := newTestServer(t, &cfg.Config{AdminTokenTTL: time.Hour, Version: "test"})

	// A token signed with a guessable key must not open anything.
	forged, err := auth.NewTokenService([]byte("dev-secret-key-change-in-production"), "hashmail", time.Hour).GenerateAdminToken("admin")
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + forged}

	rec := ts.do(t, "PUT", "/api/v1/settings", `{"webhook_secret":"pwned","authorised_emails":"eve@example.com"}`, bearer)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, "POST", "/api/v1/auth/token", `{"password":"`+testPassword+`"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for _, path := range []string{"/api/v1/runs", "/api/v1/settings", "/api/v1/audit"} {
		rec = ts.do(t, "GET", path, "", bearer)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}

	s, err := settings.Load(context.Background(), ts.db)
	require.NoError(t, err)
	assert.Equal(t, testSecret, s.WebhookSecret)
	assert.Equal(t, []string{"hare@example.com"}, s.AuthorisedEmails)

	// The webhook keeps working.
	rec = ts.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(t, "POST", "/webhook/incoming?token="+testSecret, payload("hare@example.com", "help", ""), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, ts.outbox.sent, 1)
}

func TestMiddleware_Recovery(t *testing.T) {
	h := WithDefaults(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), zap.NewNop(), true)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMiddleware_CORSPreflight(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, "OPTIONS", "/api/v1/runs", "", map[string]string{"Origin": "https://admin.gh3.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://admin.gh3.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestChain_Order(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mw("first"), mw("second"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}
