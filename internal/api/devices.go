package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/devicesync"
)

// handleRegisterDevice creates a device, or returns the existing one.
// Responds 201 on creation and 200 when the id was already registered.
func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeRegister(w, r)
	if !ok {
		return
	}

	rec, created, err := s.svc.Register(r.Context(), req, devicesync.SourceAPI)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, rec)
}

// handleListDevices returns every device, oldest first.
//
// Query parameters:
//   - fields=id: return only the device ids
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.svc.List(r.Context())
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if r.URL.Query().Get("fields") == "id" {
		ids := make([]string, len(devices))
		for i := range devices {
			ids[i] = devices[i].ID
		}
		writeJSON(w, http.StatusOK, map[string]any{"devices": ids, "count": len(ids)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns a single device by ID.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetChannels returns only the channel state: the relays of a relay
// device or the status of a simple one.
func (s *Server) handleGetChannels(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	if rec.Class == device.ClassSimple {
		writeJSON(w, http.StatusOK, map[string]any{"simpleStatus": rec.SimpleStatus})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relays": rec.Relays})
}

// handleSetChannel applies one channel write and sends it to the device.
//
// The response always carries the committed record. The dispatch field
// reports what happened to the command; an unacknowledged command does not
// make the request fail.
func (s *Server) handleSetChannel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	other, u, err := devicesync.ParseChannelUpdate(body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if other != "" && other != id {
		writeBadRequest(w, "body device id does not match the URL")
		return
	}

	res, err := s.svc.SetChannel(r.Context(), id, u, devicesync.SourceAPI)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteDevice removes a device and all its relays.
func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id"), devicesync.SourceAPI); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSendCommand sends a raw command to a device without changing its record.
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	var raw devicesync.RawCommand
	if !decodeJSON(w, r, &raw) {
		return
	}

	res, err := s.svc.SendCommand(r.Context(), chi.URLParam(r, "id"), raw)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeviceStats returns device registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Registry().GetStats())
}

func (s *Server) decodeRegister(w http.ResponseWriter, r *http.Request) (devicesync.RegisterRequest, bool) {
	body, ok := readBody(w, r)
	if !ok {
		return devicesync.RegisterRequest{}, false
	}
	req, err := devicesync.ParseRegister(body)
	if err != nil {
		s.writeDomainError(w, r, err)
		return devicesync.RegisterRequest{}, false
	}
	return req, true
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeBadRequest(w, "failed to read request body")
		return nil, false
	}
	return body, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}
