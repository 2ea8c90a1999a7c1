package app

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/Somnia/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Somnia/internal/api/middlewares"
	"github.com/markdave123-py/Somnia/internal/config"
	"github.com/markdave123-py/Somnia/internal/core/database/memory"
	"github.com/markdave123-py/Somnia/internal/logger"
	"github.com/markdave123-py/Somnia/internal/models"
	"github.com/markdave123-py/Somnia/internal/services"
	"github.com/markdave123-py/Somnia/internal/telemetry"
)

const testSecret = "0123456789abcdef0123"

type opsFixture struct {
	handler http.Handler
	store   *memory.Store
	token   string
}

func newOpsFixture(t *testing.T, secret string) *opsFixture {
	t.Helper()
	store := memory.New(3)
	metrics := telemetry.NewMetricsCollector()
	svc := services.NewPipelineService(store, logger.Discard(), metrics)
	cfg := &config.Config{Port: "0", JWTSecret: secret, CORSOrigins: []string{"*"}}
	srv := NewServer(cfg, handlers.NewOpsHandler(svc, metrics, logger.Discard()), logger.Discard())

	f := &opsFixture{handler: srv.Handler(), store: store}
	if secret != "" {
		tok, err := appMiddleware.IssueOperatorToken([]byte(secret), "ops@example.com", time.Hour, time.Now())
		require.NoError(t, err)
		f.token = tok
	}
	return f
}

func (f *opsFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newOpsFixture(t, "")
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOps_DisabledWithoutSecret(t *testing.T) {
	f := newOpsFixture(t, "")
	rec := f.do(t, http.MethodGet, "/ops/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOps_RequiresToken(t *testing.T) {
	f := newOpsFixture(t, testSecret)
	f.token = ""
	rec := f.do(t, http.MethodGet, "/ops/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOps_CaptureAndInspect(t *testing.T) {
	f := newOpsFixture(t, testSecret)

	body := `{"user_id":"` + uuid.NewString() + `","text":"I dreamed I was falling into the sea.","priority":1}`
	rec := f.do(t, http.MethodPost, "/ops/documents", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created struct {
		Document models.Document `json:"document"`
		Job      models.Job      `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, models.JobPending, created.Job.Status)
	assert.Equal(t, 1, created.Job.Priority)

	rec = f.do(t, http.MethodGet, "/ops/documents/"+created.Document.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view services.DocumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.EmbeddingPending, view.Document.EmbeddingStatus)
	require.NotNil(t, view.Job)
	assert.Equal(t, created.Job.ID, view.Job.ID)

	rec = f.do(t, http.MethodGet, "/ops/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts models.StatusCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, 1, counts.Documents[models.EmbeddingPending])
	assert.Equal(t, 1, counts.Jobs[models.JobPending])
}

func TestOps_CaptureValidation(t *testing.T) {
	f := newOpsFixture(t, testSecret)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/ops/documents", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/ops/documents", `{"user_id":"x","text":"t"}`).Code)
	assert.Equal(t, http.StatusBadRequest,
		f.do(t, http.MethodPost, "/ops/documents", `{"user_id":"`+uuid.NewString()+`","text":"   "}`).Code)
}

func TestOps_DocumentErrors(t *testing.T) {
	f := newOpsFixture(t, testSecret)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/ops/documents/not-a-uuid", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/ops/documents/"+uuid.NewString(), "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/ops/documents/"+uuid.NewString()+"/enqueue", "").Code)
}

func TestOps_EnqueueAndReset(t *testing.T) {
	f := newOpsFixture(t, testSecret)
	ctx := t.Context()

	text := "a recurring dream about a locked door"
	doc := &models.Document{ID: uuid.NewString(), UserID: uuid.NewString(), RawText: &text}
	require.NoError(t, f.store.CreateDocument(ctx, doc))
	job, err := f.store.EnqueueJob(ctx, doc.ID, 0, false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/ops/documents/"+doc.ID+"/reset", `{"attempts":0}`)
	assert.Equal(t, http.StatusConflict, rec.Code, "pending documents cannot be reset")

	now := time.Now()
	claim, ok, err := f.store.ClaimJob(ctx, job.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.FailJob(ctx, claim, 3, "rejected", now))

	rec = f.do(t, http.MethodPost, "/ops/documents/"+doc.ID+"/reset", `{"attempts":1}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var reset models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reset))
	assert.Equal(t, models.JobPending, reset.Status)
	assert.Equal(t, 1, reset.Attempts)

	rec = f.do(t, http.MethodPost, "/ops/documents/"+doc.ID+"/enqueue", `{"priority":7}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var requeued models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &requeued))
	assert.Equal(t, 7, requeued.Priority)
	assert.Equal(t, 0, requeued.Attempts)
}

func TestOps_Metrics(t *testing.T) {
	f := newOpsFixture(t, testSecret)
	rec := f.do(t, http.MethodGet, "/ops/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "counters")
}
