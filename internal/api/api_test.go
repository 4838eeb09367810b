package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/clinic-crm/internal/config"
	"github.com/sells-group/clinic-crm/internal/pipeline"
	"github.com/sells-group/clinic-crm/internal/reconcile"
	"github.com/sells-group/clinic-crm/internal/scorer"
	"github.com/sells-group/clinic-crm/internal/store"
)

const weeklyName = "2025-11-10_2025-11-17_신규데이터.csv"

const weeklyCSV = `환자 번호,환자명,연락처,생년월일,진료일,총 매출,할인금,환불금,미수금,담당의,방문 목적,환자태그
="00012",김민지,010-1111-2222,1990-02-02,2025-11-10,"1,200,000",100000,0,0,원장A,시술,lung
="00015",이서준,010-3333-4444,,2025-11-11,50000,0,0,0,원장B,상담,
`

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	cfg := &config.Config{
		Timezone:  "Asia/Seoul",
		Reconcile: config.ReconcileConfig{DepositAmounts: []int64{100_000, 350_000}},
		Scoring:   scorer.DefaultScoringConfig(),
		VIP:       config.VIPConfig{MinRevenue: 5_000_000, WindowDays: 180, BaseTier: "MEMBER"},
	}
	p := pipeline.New(cfg, store.NewMemory())
	p.Now = func() time.Time { return time.Date(2025, 11, 18, 1, 0, 0, 0, time.UTC) }
	return NewRouter(NewHandler(p, "auto"), []string{"http://localhost:*"})
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadBatch(t *testing.T, h http.Handler) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, h, http.MethodPost, "/v1/batches?name="+weeklyName, []byte(weeklyCSV), "text/csv")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReconcile_UploadAndDuplicate(t *testing.T) {
	h := newTestServer(t)

	rec := uploadBatch(t, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[reconcile.Summary](t, rec)
	assert.Equal(t, "2025-11-10_2025-11-17", sum.BatchID)
	assert.Equal(t, reconcile.StatusOK, sum.Status)
	assert.Equal(t, 2, sum.NewPatients)

	rec = uploadBatch(t, h)
	assert.Equal(t, http.StatusConflict, rec.Code)
	sum = decode[reconcile.Summary](t, rec)
	assert.True(t, sum.Duplicate)
	assert.Equal(t, reconcile.StatusNoop, sum.Status)
}

func TestReconcile_Multipart(t *testing.T) {
	h := newTestServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", weeklyName)
	require.NoError(t, err)
	_, err = part.Write([]byte(weeklyCSV))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := do(t, h, http.MethodPost, "/v1/batches", buf.Bytes(), mw.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2025-11-10_2025-11-17", decode[reconcile.Summary](t, rec).BatchID)
}

func TestReconcile_BadRequests(t *testing.T) {
	h := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/batches", []byte(weeklyCSV), "text/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "name is required")

	rec = do(t, h, http.MethodPost, "/v1/batches?name=b1", []byte("환자명,연락처\n김민지,010\n"), "text/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid batch export")
}

func TestReconcile_CSVFormat(t *testing.T) {
	rec := do(t, newTestServer(t), http.MethodPost, "/v1/batches?format=csv&name="+weeklyName, []byte(weeklyCSV), "text/csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "2025-11-10_2025-11-17")
}

func TestMergeTags(t *testing.T) {
	h := newTestServer(t)
	require.Equal(t, http.StatusOK, uploadBatch(t, h).Code)

	rec := do(t, h, http.MethodPost, "/v1/tags", []byte("환자번호,환자명,환자태그\n12,김민지,breast\n99,없음,x\n"), "text/csv")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decode[reconcile.TagSummary](t, rec)
	assert.Equal(t, 1, sum.Updated)
	assert.Len(t, sum.Unmatched, 1)

	rec = do(t, h, http.MethodPost, "/v1/tags", []byte("환자명\n김민지\n"), "text/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotsAndDiff(t *testing.T) {
	h := newTestServer(t)
	require.Equal(t, http.StatusOK, uploadBatch(t, h).Code)

	rec := do(t, h, http.MethodGet, "/v1/diff", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/snapshots?as_of=2025-11-12", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/v1/snapshots?as_of=2025-11-12", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/snapshots?as_of=not-a-date", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Default as-of is today in the clinic zone.
	rec = do(t, h, http.MethodPost, "/v1/snapshots", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/v1/snapshots", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decode[[]map[string]any](t, rec)
	assert.Len(t, snaps, 2)

	rec = do(t, h, http.MethodGet, "/v1/diff", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var diff struct {
		Entrants []string `json:"entrants"`
		Churned  []string `json:"churned"`
		Retained []string `json:"retained"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &diff))
	assert.Empty(t, diff.Entrants)
	assert.Empty(t, diff.Churned)
	assert.Len(t, diff.Retained, 2)

	rec = do(t, h, http.MethodGet, "/v1/diff?current=2025-11-18", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/diff?prior=2025-11-12&current=2025-11-18&format=csv", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), "key,name,status,from,to"))
}

func TestScores(t *testing.T) {
	h := newTestServer(t)
	require.Equal(t, http.StatusOK, uploadBatch(t, h).Code)

	rec := do(t, h, http.MethodGet, "/v1/scores/latest", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/scores?as_of=2025-11-17", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[scorer.Report](t, rec)
	assert.Equal(t, 2, report.Population)
	assert.Len(t, report.Records, 2)

	rec = do(t, h, http.MethodGet, "/v1/scores?as_of=2025-11-17&save=true", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/scores/latest", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.RunID, decode[scorer.Report](t, rec).RunID)

	rec = do(t, h, http.MethodGet, "/v1/scores?as_of=2025-11-17&format=xlsx", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", rec.Header().Get("Content-Type"))
	// xlsx files are zip archives.
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")))
}

func TestKPI(t *testing.T) {
	h := newTestServer(t)
	require.Equal(t, http.StatusOK, uploadBatch(t, h).Code)

	rec := do(t, h, http.MethodGet, "/v1/kpi?end=2025-11-30", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/kpi?start=2025-11-01&end=2025-11-30", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got struct {
		Visits         int `json:"visits"`
		ActivePatients int `json:"active_patients"`
		NewPatients    int `json:"new_patients"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 2, got.Visits)
	assert.Equal(t, 2, got.ActivePatients)
	assert.Equal(t, 2, got.NewPatients)

	rec = do(t, h, http.MethodGet, "/v1/kpi?start=2025-11-01&end=2025-11-30&format=yaml", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "visits: 2")
}

func TestCORSPreflight(t *testing.T) {
	h := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/kpi", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}
