package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/protocol"
	"github.com/antoniostano/stresslab/internal/store"
	"github.com/antoniostano/stresslab/internal/stress"
)

type stressRequest struct {
	ParticipantID string    `json:"participant_id"`
	ProbaHigh     *float64  `json:"proba_high"`
	RRIntervalsMS []float64 `json:"rr_intervals_ms"`
}

type stressResponse struct {
	OK            bool             `json:"ok"`
	ParticipantID string           `json:"participant_id"`
	ProbaHigh     float64          `json:"proba_high"`
	EMAHigh       float64          `json:"ema_high"`
	Features      *stress.Features `json:"features,omitempty"`
}

// handleStress stores one high-stress probability, smooths it with an
// exponential moving average and pushes the smoothed value to the
// participant's room. The body carries either a ready proba_high or raw
// rr_intervals_ms, which are reduced to HRV features and scored by the
// configured classifier. The participant comes from the bearer token when
// one is sent, otherwise from the body.
func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	var req stressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	pid := strings.TrimSpace(req.ParticipantID)
	if header := r.Header.Get("Authorization"); header != "" {
		token, err := auth.ExtractBearer(header)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		sess, err := s.sessions.Validate(token)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid_token", err.Error())
			return
		}
		if pid != "" && pid != sess.ParticipantID {
			respondError(w, http.StatusForbidden, "forbidden", "token belongs to another participant")
			return
		}
		pid = sess.ParticipantID
	}
	if pid == "" {
		respondError(w, http.StatusBadRequest, "missing_participant_id", "participant_id required")
		return
	}
	if req.ProbaHigh == nil && req.RRIntervalsMS == nil {
		respondError(w, http.StatusBadRequest, "invalid_proba", "proba_high or rr_intervals_ms required")
		return
	}
	if req.ProbaHigh != nil && !validProba(*req.ProbaHigh) {
		respondError(w, http.StatusBadRequest, "invalid_proba", "proba_high must be within [0, 1]")
		return
	}
	var features *stress.Features
	if req.RRIntervalsMS != nil {
		f, err := stress.ComputeFeatures(req.RRIntervalsMS)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_rr_intervals", err.Error())
			return
		}
		features = &f
	}
	if _, err := s.store.GetParticipant(r.Context(), pid); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(w, http.StatusNotFound, "participant_not_found", "participant is not registered")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}

	var raw float64
	if req.ProbaHigh != nil {
		raw = *req.ProbaHigh
	} else {
		p, err := s.classify.ProbaHigh(r.Context(), *features)
		if err == nil && !validProba(p) {
			err = fmt.Errorf("classifier returned %v", p)
		}
		if err != nil {
			s.log.Error().Err(err).Str("participant_id", pid).Msg("stress classification failed")
			respondError(w, http.StatusBadGateway, "classifier_error", "could not classify rr intervals")
			return
		}
		raw = p
	}

	sample, err := s.recordStress(r, pid, raw, features)
	if err != nil {
		s.log.Error().Err(err).Str("participant_id", pid).Msg("store stress sample failed")
		respondError(w, http.StatusInternalServerError, "store_error", "could not store stress sample")
		return
	}
	s.metrics.StressEMA.Observe(sample.EMAHigh)

	if _, err := s.hub.PublishToParticipant(pid, protocol.StressEventName(pid), protocol.StressUpdate{EMAHigh: sample.EMAHigh}); err != nil {
		s.log.Warn().Err(err).Str("participant_id", pid).Msg("publish stress update failed")
	}
	_, _ = s.hub.PublishMonitor(protocol.EventMonitorUpdate, sample)

	respondJSON(w, http.StatusOK, stressResponse{
		OK:            true,
		ParticipantID: pid,
		ProbaHigh:     sample.RawHigh,
		EMAHigh:       sample.EMAHigh,
		Features:      sample.Features,
	})
}

func (s *Server) recordStress(r *http.Request, pid string, raw float64, features *stress.Features) (store.StressSample, error) {
	s.stressMu.Lock()
	defer s.stressMu.Unlock()

	// The average starts from zero, like a freshly opened session.
	var prevEMA float64
	prev, ok, err := s.store.LatestStress(r.Context(), pid)
	if err != nil {
		return store.StressSample{}, err
	}
	if ok {
		prevEMA = prev.EMAHigh
	}
	ema := smoothEMA(prevEMA, raw, s.cfg.StressEMAAlpha)
	sample := store.StressSample{
		ParticipantID: pid,
		RawHigh:       raw,
		EMAHigh:       ema,
		Features:      features,
		RecordedAt:    s.now(),
	}
	if err := s.store.AddStressSample(r.Context(), sample); err != nil {
		return store.StressSample{}, err
	}
	return sample, nil
}

func validProba(p float64) bool {
	return !math.IsNaN(p) && p >= 0 && p <= 1
}

// smoothEMA returns alpha*raw + (1-alpha)*prev, clamped to [0, 1].
func smoothEMA(prev, raw, alpha float64) float64 {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	v := alpha*raw + (1-alpha)*prev
	return math.Max(0, math.Min(1, v))
}
