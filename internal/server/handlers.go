package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nudgekit/nudgekit/internal/bandit"
	"github.com/nudgekit/nudgekit/internal/store"
)

type SelectRequest struct {
	MemberID   string `json:"member_id"`
	SegmentKey string `json:"segment_key"`
}

type SelectResponse struct {
	SelectionID     string  `json:"selection_id"`
	VariantID       string  `json:"variant_id"`
	Text            string  `json:"text"`
	PosteriorSample float64 `json:"posterior_sample"`
	Boost           float64 `json:"boost"`
	WindowExpiresAt int64   `json:"window_expires_at"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req SelectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" || req.SegmentKey == "" {
		http.Error(w, "member_id and segment_key are required", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.Selector.Select(r.Context(), req.SegmentKey, req.MemberID)
	if errors.Is(err, bandit.ErrNoActiveVariants) {
		// Setup problem: the caller should fall back to its fixed default
		// and an operator should seed the pool.
		http.Error(w, "no active variants configured", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		s.log.Error("selection failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SelectResponse{
		SelectionID:     decision.SelectionID,
		VariantID:       decision.Variant.ID,
		Text:            decision.Variant.Text,
		PosteriorSample: decision.Sample,
		Boost:           decision.Boost,
		WindowExpiresAt: decision.ExpiresAt.Unix(),
	})
}

type ConvertRequest struct {
	MemberID string `json:"member_id"`
	Action   string `json:"action"`
}

type ConvertResponse struct {
	Resolved    bool   `json:"resolved"`
	SelectionID string `json:"selection_id,omitempty"`
	VariantID   string `json:"variant_id,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.MemberID == "" {
		http.Error(w, "member_id is required", http.StatusBadRequest)
		return
	}

	sel, err := s.engine.Observer.RecordConversion(r.Context(), req.MemberID, req.Action)
	if err != nil {
		s.log.Error("conversion recording failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	resp := ConvertResponse{Resolved: sel != nil}
	if sel != nil {
		resp.SelectionID = sel.ID
		resp.VariantID = sel.VariantID
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

type SweepResponse struct {
	Expired int `json:"expired"`
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	expired, err := s.engine.Observer.ReconcileExpired(r.Context())
	if err != nil {
		s.log.Error("reconciliation sweep failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SweepResponse{Expired: expired})
}

type CycleResponse struct {
	PlateauDetected bool    `json:"plateau_detected"`
	NewVariants     int     `json:"new_variants"`
	TopTwoGap       float64 `json:"top_two_gap"`
	TotalSamples    int     `json:"total_samples"`
	EvaluatedAt     int64   `json:"evaluated_at"`
}

func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	result, err := s.engine.Detector.RunCycle(r.Context())
	if err != nil {
		s.log.Error("plateau cycle failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(CycleResponse{
		PlateauDetected: result.PlateauDetected,
		NewVariants:     result.NewVariants,
		TopTwoGap:       result.TopTwoGap,
		TotalSamples:    result.TotalSamples,
		EvaluatedAt:     result.EvaluatedAt.Unix(),
	})
}

type HealthResponse struct {
	Status         string `json:"status"`
	ActiveVariants int    `json:"active_variants"`
	DBSizeBytes    int64  `json:"db_size_bytes"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active, err := s.engine.Store.ListVariantsByStatus(r.Context(), store.StatusActive)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	row := s.engine.Store.DB().QueryRow("SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&dbSize); err != nil {
		dbSize = -1
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{
		Status:         "ok",
		ActiveVariants: len(active),
		DBSizeBytes:    dbSize,
		UptimeSeconds:  int64(time.Since(s.startTime).Seconds()),
	})
}
