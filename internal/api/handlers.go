package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/clinic-crm/internal/batch"
	"github.com/sells-group/clinic-crm/internal/export"
	"github.com/sells-group/clinic-crm/internal/model"
	"github.com/sells-group/clinic-crm/internal/pipeline"
)

// Handler serves the CRM routes from a pipeline.
type Handler struct {
	p        *pipeline.Pipeline
	encoding string
}

// NewHandler creates a Handler. encoding is the default for uploaded
// exports when a request does not name one.
func NewHandler(p *pipeline.Pipeline, encoding string) *Handler {
	return &Handler{p: p, encoding: encoding}
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MergeTags merges an uploaded tag export.
//
//	POST /v1/tags?encoding=cp949
func (h *Handler) MergeTags(w http.ResponseWriter, r *http.Request) {
	body, _, err := upload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload", err)
		return
	}
	defer body.Close() //nolint:errcheck

	rows, err := batch.ReadTags(r.Context(), body, h.encodingFor(r))
	if err != nil {
		writeFailure(w, "invalid tag export", err)
		return
	}
	sum, err := h.p.MergeTags(r.Context(), rows)
	if err != nil {
		writeFailure(w, "merge tags failed", err)
		return
	}
	h.render(w, r, export.TagTables(sum), sum)
}

// Reconcile applies one uploaded weekly export. The batch id and period
// come from the ?name= parameter or the multipart filename.
//
//	POST /v1/batches?name=2025-11-10_2025-11-17_신규데이터.csv
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	body, filename, err := upload(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload", err)
		return
	}
	defer body.Close() //nolint:errcheck

	name := r.URL.Query().Get("name")
	if name == "" {
		name = filename
	}
	if name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}

	b, err := batch.ReadBatch(r.Context(), body, name, h.encodingFor(r))
	if err != nil {
		writeFailure(w, "invalid batch export", err)
		return
	}
	sums, err := h.p.Reconcile(r.Context(), b)
	if err != nil {
		writeFailure(w, "reconcile failed", err)
		return
	}
	sum := sums[0]
	status := http.StatusOK
	if sum.Duplicate {
		status = http.StatusConflict
	}
	if formatFor(r) != export.FormatJSON {
		h.render(w, r, export.SummaryTables(sum), sum)
		return
	}
	writeJSON(w, status, sum)
}

// ListSnapshots returns the stored VIP snapshot series.
func (h *Handler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	series, err := h.p.Snapshots(r.Context())
	if err != nil {
		writeFailure(w, "list snapshots failed", err)
		return
	}
	writeJSON(w, http.StatusOK, series.All())
}

// TakeSnapshot appends the VIP snapshot as of ?as_of= (default today).
func (h *Handler) TakeSnapshot(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid as_of", err)
		return
	}
	snap, err := h.p.Snapshot(r.Context(), asOf)
	if err != nil {
		writeFailure(w, "snapshot failed", err)
		return
	}
	if formatFor(r) != export.FormatJSON {
		h.render(w, r, []export.Table{export.SnapshotTable(snap)}, snap)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// Diff compares two snapshots (?prior=&current=), or the latest two.
func (h *Handler) Diff(w http.ResponseWriter, r *http.Request) {
	prior, err := queryDate(r, "prior")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid prior", err)
		return
	}
	current, err := queryDate(r, "current")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid current", err)
		return
	}
	if prior.IsZero() && !current.IsZero() {
		writeError(w, http.StatusBadRequest, "current needs prior", nil)
		return
	}
	d, err := h.p.Diff(r.Context(), prior, current)
	if err != nil {
		writeFailure(w, "diff failed", err)
		return
	}
	h.render(w, r, []export.Table{export.DiffTable(d)}, d)
}

// Score scores the master as of ?as_of=. ?save=true persists the run.
func (h *Handler) Score(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid as_of", err)
		return
	}
	save, _ := strconv.ParseBool(r.URL.Query().Get("save"))
	report, err := h.p.Score(r.Context(), asOf, save)
	if err != nil {
		writeFailure(w, "score failed", err)
		return
	}
	h.render(w, r, export.ScoreTables(report), report)
}

// LatestScore returns the most recently saved score run.
func (h *Handler) LatestScore(w http.ResponseWriter, r *http.Request) {
	report, err := h.p.LatestScore(r.Context())
	if err != nil {
		writeFailure(w, "load score run failed", err)
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "no saved score run", nil)
		return
	}
	h.render(w, r, export.ScoreTables(report), report)
}

// KPI aggregates ?start= through ?end= (both required, inclusive).
func (h *Handler) KPI(w http.ResponseWriter, r *http.Request) {
	start, err := queryDate(r, "start")
	if err != nil || start.IsZero() {
		writeError(w, http.StatusBadRequest, "start is required (YYYY-MM-DD)", err)
		return
	}
	end, err := queryDate(r, "end")
	if err != nil || end.IsZero() {
		writeError(w, http.StatusBadRequest, "end is required (YYYY-MM-DD)", err)
		return
	}
	report, err := h.p.KPI(r.Context(), start, end)
	if err != nil {
		writeFailure(w, "kpi failed", err)
		return
	}
	h.render(w, r, export.KPITables(report), report)
}

func (h *Handler) encodingFor(r *http.Request) string {
	if e := r.URL.Query().Get("encoding"); e != "" {
		return e
	}
	return h.encoding
}

// render writes v in the ?format= requested, JSON by default.
func (h *Handler) render(w http.ResponseWriter, r *http.Request, tables []export.Table, v interface{}) {
	f := formatFor(r)
	switch f {
	case export.FormatJSON:
		writeJSON(w, http.StatusOK, v)
		return
	case export.FormatCSV:
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	case export.FormatXLSX:
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	case export.FormatYAML:
		w.Header().Set("Content-Type", "application/yaml")
	default:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(http.StatusOK)
	if err := export.Write(w, f, tables, v); err != nil {
		zap.L().Error("api: render response", zap.String("format", string(f)), zap.Error(err))
	}
}

// formatFor reads ?format=. Missing or unknown values mean JSON.
func formatFor(r *http.Request) export.Format {
	v := r.URL.Query().Get("format")
	if v == "" {
		return export.FormatJSON
	}
	f, err := export.ParseFormat(v, "")
	if err != nil {
		return export.FormatJSON
	}
	return f
}

// upload returns the request's file body: the "file" part of a multipart
// form, or the raw body otherwise.
func upload(w http.ResponseWriter, r *http.Request) (io.ReadCloser, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		f, hdr, err := r.FormFile("file")
		if err != nil {
			return nil, "", eris.Wrap(err, "api: read multipart file")
		}
		return f, hdr.Filename, nil
	}
	return r.Body, "", nil
}

func queryDate(r *http.Request, key string) (time.Time, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return time.Time{}, nil
	}
	return model.ParseDate(v)
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, model.ErrMissingColumn):
		status = http.StatusBadRequest
	case eris.Is(err, model.ErrSnapshotOrder), eris.Is(err, model.ErrStaleMaster), eris.Is(err, model.ErrDuplicateBatch):
		status = http.StatusConflict
	case eris.Is(err, model.ErrInsufficientHistory):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("api: "+message, zap.Error(err))
	}
	writeError(w, status, message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Error("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
