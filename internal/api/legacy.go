package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/relayhub/internal/devicesync"
)

// Routes kept for firmware and pages that predate /api/v1. They share the
// service with the v1 handlers and differ only in response shape.

func (s *Server) handleLegacyRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegister(w, r)
	if !ok {
		return
	}

	rec, created, err := s.svc.Register(r.Context(), req, devicesync.SourceAPI)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if !created {
		writeJSON(w, http.StatusOK, map[string]any{"message": "Device already registered", "deviceId": rec.ID})
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Device registered successfully", "deviceId": rec.ID})
}

func (s *Server) handleLegacyListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) handleLegacyDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Delete(r.Context(), id, devicesync.SourceAPI); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": fmt.Sprintf("Device %s deleted successfully", id)})
}

// handleLegacyUpdateRelay takes the device id from the body:
// {"deviceId": "...", "relayId": "...", "status": true}.
func (s *Server) handleLegacyUpdateRelay(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	id, u, err := devicesync.ParseChannelUpdate(body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if id == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}

	res, err := s.svc.SetChannel(r.Context(), id, u, devicesync.SourceAPI)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Relay updated",
		"relays":   res.Device.Relays,
		"dispatch": res.Dispatch,
	})
}

func (s *Server) handleLegacyGetRelays(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relays": rec.Relays})
}

// handleLegacySendCommand sends a raw command named in the body:
// {"deviceId": "...", "command": "1:on"}. The record is not touched.
func (s *Server) handleLegacySendCommand(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req struct {
		devicesync.DeviceRef
		devicesync.RawCommand
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	id := req.Resolve()
	if id == "" {
		writeBadRequest(w, "deviceId is required")
		return
	}

	res, err := s.svc.SendCommand(r.Context(), id, req.RawCommand)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  fmt.Sprintf("Command %q sent to %s: %s", req.Command, id, res.Outcome),
		"dispatch": res,
	})
}
