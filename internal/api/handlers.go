package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alvmarrod/outbound-weaver/internal/export"
	"github.com/alvmarrod/outbound-weaver/internal/scan"
	"github.com/alvmarrod/outbound-weaver/internal/storage"
	"github.com/alvmarrod/outbound-weaver/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

type handlers struct {
	d Deps
}

type healthzResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	BuildDate     string  `json:"build_date"`
	GoVersion     string  `json:"go_version"`
}

// scanView is a checkpoint without its URL lists
type scanView struct {
	Site           string             `json:"site"`
	SeedURL        string             `json:"seed_url"`
	Status         storage.Status     `json:"status"`
	Running        bool               `json:"running"`
	Pending        int                `json:"pending"`
	Visited        int                `json:"visited"`
	PendingDomains int                `json:"pending_domains"`
	DomainsChecked int                `json:"domains_checked"`
	Concurrency    int                `json:"concurrency"`
	AutoResume     storage.AutoResume `json:"auto_resume"`
	NextResumeAt   *time.Time         `json:"next_resume_at,omitempty"`
	ResumeArmed    bool               `json:"resume_armed"`
	LastError      string             `json:"last_error,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handlers) view(cp *storage.Checkpoint) scanView {
	_, armed := h.d.Scans.Scheduled(cp.Site)
	return scanView{
		Site:           cp.Site,
		SeedURL:        cp.SeedURL,
		Status:         cp.Status,
		Running:        h.d.Scans.Running(cp.Site),
		Pending:        len(cp.Pending),
		Visited:        len(cp.Visited),
		PendingDomains: len(cp.PendingDomains),
		DomainsChecked: cp.DomainsChecked,
		Concurrency:    cp.Concurrency,
		AutoResume:     cp.AutoResume,
		NextResumeAt:   cp.NextResumeAt,
		ResumeArmed:    armed,
		LastError:      cp.LastError,
		CreatedAt:      cp.CreatedAt,
		UpdatedAt:      cp.UpdatedAt,
	}
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, healthzResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.d.StartTime).Seconds(),
		Version:       version.Version,
		Commit:        version.Commit,
		BuildDate:     version.BuildDate,
		GoVersion:     version.GoVersion,
	})
}

func (h *handlers) startScan(w http.ResponseWriter, r *http.Request) {
	var req scan.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cp, err := h.d.Scans.Start(r.Context(), req, h.d.Hub)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.view(cp))
}

func (h *handlers) listScans(w http.ResponseWriter, r *http.Request) {
	cps, err := h.d.Scans.List(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	out := make([]scanView, 0, len(cps))
	for _, cp := range cps {
		out = append(out, h.view(cp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getScan(w http.ResponseWriter, r *http.Request) {
	cp, err := h.d.Scans.Get(r.Context(), siteParam(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(cp))
}

func (h *handlers) interruptScan(w http.ResponseWriter, r *http.Request) {
	site := siteParam(r)
	if err := h.d.Scans.Interrupt(r.Context(), site); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"site": site, "status": "interrupt requested"})
}

func (h *handlers) deleteScan(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Scans.Delete(r.Context(), siteParam(r)); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// results loads a site's results, answering 404 for a site that has neither a
// checkpoint nor results
func (h *handlers) results(w http.ResponseWriter, r *http.Request) ([]storage.Result, bool) {
	site := siteParam(r)
	results, err := h.d.Results.ListResults(r.Context(), site, r.URL.Query().Get("status"))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	if len(results) == 0 {
		if _, err := h.d.Scans.Get(r.Context(), site); err != nil {
			writeServiceError(w, err)
			return nil, false
		}
	}
	return results, true
}

func (h *handlers) listResults(w http.ResponseWriter, r *http.Request) {
	results, ok := h.results(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *handlers) exportResults(w http.ResponseWriter, r *http.Request) {
	results, ok := h.results(w, r)
	if !ok {
		return
	}

	site := siteParam(r)
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s-results.xlsx"`, site))
	if err := export.WriteXLSX(w, site, results); err != nil {
		logrus.Errorf("[%s] Export failed: %v", site, err)
	}
}

func (h *handlers) summary(w http.ResponseWriter, r *http.Request) {
	site := siteParam(r)
	sum, err := h.d.Results.SummarizeResults(r.Context(), site)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if sum.Total == 0 {
		if _, err := h.d.Scans.Get(r.Context(), site); err != nil {
			writeServiceError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, sum)
}

func siteParam(r *http.Request) string {
	return strings.ToLower(chi.URLParam(r, "site"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.Warnf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// writeServiceError maps service errors to status codes
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scan.ErrInvalidSeed), errors.Is(err, scan.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, scan.ErrNoCheckpoint):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scan.ErrScanActive):
		writeError(w, http.StatusConflict, err)
	default:
		logrus.Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, errors.New("internal error"))
	}
}
