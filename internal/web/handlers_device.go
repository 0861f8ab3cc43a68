package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"vocleair/internal/discovery"
	"vocleair/internal/speed"
)

type statusResponse struct {
	Status       discovery.ConfigurationStatus `json:"status"`
	Address      string                        `json:"address"`
	Provisioning bool                          `json:"provisioning"`
}

type fanResponse struct {
	discovery.FanState
	Preset speed.Preset `json:"preset,omitempty"`
}

func (s *Server) statusResponse() statusResponse {
	return statusResponse{
		Status:       s.coord.Status(),
		Address:      s.coord.Address(),
		Provisioning: s.coord.Provisioning(),
	}
}

func (s *Server) fanResponse() fanResponse {
	fs := s.coord.Fan()
	resp := fanResponse{FanState: fs}
	if fs.On {
		resp.Preset, _ = speed.PresetFor(fs.Percentage)
	}
	return resp
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Reset(); err != nil {
		s.logger.Error("reset device", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleAPIGetFan(w http.ResponseWriter, r *http.Request) {
	s.coord.FetchStatus(r.Context())
	s.writeJSON(w, http.StatusOK, s.fanResponse())
}

type setFanRequest struct {
	Percentage *int `json:"percentage"`
}

func (s *Server) handleAPISetFan(w http.ResponseWriter, r *http.Request) {
	var req setFanRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Percentage == nil {
		s.writeError(w, http.StatusBadRequest, "percentage is required")
		return
	}
	s.fanCommand(r.Context(), w, func(ctx context.Context) error {
		return s.coord.SetSpeed(ctx, *req.Percentage)
	})
}

func (s *Server) handleAPIToggleFan(w http.ResponseWriter, r *http.Request) {
	s.fanCommand(r.Context(), w, s.coord.Toggle)
}

func (s *Server) handleAPIPreset(w http.ResponseWriter, r *http.Request) {
	p := speed.Preset(r.PathValue("name"))
	if _, ok := p.Percentage(); !ok {
		s.writeError(w, http.StatusNotFound, "unknown preset")
		return
	}
	s.fanCommand(r.Context(), w, func(ctx context.Context) error {
		return s.coord.ApplyPreset(ctx, p)
	})
}

// fanCommand runs a speed command and writes the resulting fan state.
func (s *Server) fanCommand(ctx context.Context, w http.ResponseWriter, fn func(context.Context) error) {
	err := fn(ctx)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.fanResponse())
	case errors.Is(err, speed.ErrBelowMinimum), errors.Is(err, speed.ErrAboveMaximum):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, discovery.ErrNotProvisioned):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("fan command", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type setupRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// handleAPISetup sends credentials and blocks until the device joins the
// network, the poll budget runs out, or the client goes away.
func (s *Server) handleAPISetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := s.coord.SubmitCredentials(r.Context(), req.SSID, req.Password)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, s.statusResponse())
	case errors.Is(err, discovery.ErrMissingSSID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, discovery.ErrProvisioningInProgress):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, discovery.ErrCredentialRejected):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, discovery.ErrProvisioningTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		s.writeError(w, http.StatusConflict, "provisioning cancelled")
	default:
		s.logger.Error("provision device", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPICancelSetup(w http.ResponseWriter, r *http.Request) {
	if !s.coord.CancelProvisioning() {
		s.writeError(w, http.StatusNotFound, "no provisioning in progress")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
