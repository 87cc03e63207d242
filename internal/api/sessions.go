package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/relayhub/internal/device"
	"github.com/nerrad567/relayhub/internal/devicesync"
	"github.com/nerrad567/relayhub/internal/dispatch"
	"github.com/nerrad567/relayhub/internal/infrastructure/logging"
	"github.com/nerrad567/relayhub/internal/infrastructure/metrics"
)

// deviceMessageTimeout bounds the registry work done for one device message.
const deviceMessageTimeout = 5 * time.Second

// DeviceSession is the duplex connection of one device. It carries the
// device's telemetry and acks in, and state pushes and commands out.
type DeviceSession struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
}

// Name implements dispatch.Transport.
func (d *DeviceSession) Name() string { return dispatch.TransportWebSocket }

// Deliver implements dispatch.Transport. The command is queued for the
// write pump; a full or closed queue counts as unreachable.
func (d *DeviceSession) Deliver(_ context.Context, cmd dispatch.Command) error {
	if !sendMessage(d.send, cmd.ID, WSTypeCommand, cmd) {
		return dispatch.ErrTransportDown
	}
	return nil
}

// SessionTable tracks the live session of each device. A device has at
// most one: a reconnect replaces the old session and closes it.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]*DeviceSession

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewSessionTable creates an empty table.
func NewSessionTable(logger *logging.Logger, m *metrics.Metrics) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*DeviceSession),
		logger:   logger,
		metrics:  m,
	}
}

// Session implements dispatch.SessionLookup.
func (t *SessionTable) Session(deviceID string) (dispatch.Transport, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[deviceID]
	if !ok {
		return nil, false
	}
	return s, true
}

// Count returns the number of connected devices.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// PushState sends rec to its device's session, if one is open. It never blocks.
func (t *SessionTable) PushState(rec *device.Record) {
	if rec == nil {
		return
	}
	t.mu.RLock()
	s, ok := t.sessions[rec.ID]
	t.mu.RUnlock()
	if ok {
		sendMessage(s.send, "", WSTypeState, rec)
	}
}

func (t *SessionTable) attach(s *DeviceSession) {
	t.mu.Lock()
	old := t.sessions[s.deviceID]
	t.sessions[s.deviceID] = s
	t.mu.Unlock()

	t.metrics.SessionOpened(sessionKindDevice)
	if old != nil {
		t.logger.Info("device reconnected, closing previous session", "device_id", s.deviceID)
		old.conn.Close()
	}
}

// detach removes s if it is still the device's current session and closes
// its send queue. Only the session's own read pump calls it.
func (t *SessionTable) detach(s *DeviceSession) {
	t.mu.Lock()
	if cur, ok := t.sessions[s.deviceID]; ok && cur == s {
		delete(t.sessions, s.deviceID)
	}
	t.mu.Unlock()

	t.metrics.SessionClosed(sessionKindDevice)
	close(s.send)
}

// CloseAll closes every session's connection. The read pumps then detach
// their sessions.
func (t *SessionTable) CloseAll() {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		s.conn.Close()
	}
}

// handleDeviceSession upgrades GET /devices/{id}/ws to a device session.
// The device need not be registered: its first telemetry creates it.
func (s *Server) handleDeviceSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := device.ValidateDeviceID(id); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "device_id", id, "error", err)
		return
	}

	sess := &DeviceSession{
		deviceID: id,
		conn:     conn,
		send:     make(chan []byte, sendBuffer(s.wsCfg)),
	}

	// Queue the catch-up state and attach in the device's critical section,
	// so every later state push lands behind the snapshot.
	err = s.svc.Observe(r.Context(), id, func(rec *device.Record) {
		if rec != nil {
			sendMessage(sess.send, "", WSTypeState, rec)
		}
		s.sessions.attach(sess)
	})
	if err != nil {
		s.logger.Warn("device session snapshot failed", "device_id", id, "error", err)
		s.sessions.attach(sess)
	}
	s.logger.Debug("device session opened", "device_id", id)

	go writePump(conn, sess.send, s.wsCfg)
	go func() {
		defer func() {
			s.sessions.detach(sess)
			conn.Close()
			s.logger.Debug("device session closed", "device_id", id)
		}()
		readPump(conn, s.wsCfg, s.logger, func(data []byte) {
			s.handleDeviceMessage(sess, data)
		})
	}()
}

// handleDeviceMessage processes one message from a device session.
func (s *Server) handleDeviceMessage(sess *DeviceSession, data []byte) {
	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		sendMessage(sess.send, "", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deviceMessageTimeout)
	defer cancel()

	switch msg.Type {
	case WSTypeRegister:
		req, err := devicesync.ParseRegister(msg.Payload)
		if err == nil {
			if other := req.Resolve(); other != "" && other != sess.deviceID {
				err = errSessionIDMismatch
			}
		}
		if err != nil {
			s.replyError(sess, msg.ID, err)
			return
		}
		req.ID = sess.deviceID
		rec, created, err := s.svc.Register(ctx, req, devicesync.SourceWebSocket)
		if err != nil {
			s.replyError(sess, msg.ID, err)
			return
		}
		sendMessage(sess.send, msg.ID, WSTypeResponse, map[string]any{"device": rec, "created": created})

	case WSTypeTelemetry:
		other, u, err := devicesync.ParseChannelUpdate(msg.Payload)
		if err == nil && other != "" && other != sess.deviceID {
			err = errSessionIDMismatch
		}
		if err != nil {
			s.replyError(sess, msg.ID, err)
			return
		}
		if _, err := s.svc.ApplyTelemetry(ctx, sess.deviceID, u, devicesync.SourceWebSocket); err != nil {
			s.replyError(sess, msg.ID, err)
		}
		// Success is answered by the state push from the change feed.

	case WSTypeAck:
		var ack devicesync.AckMessage
		if err := json.Unmarshal(msg.Payload, &ack); err != nil || ack.CommandID == "" {
			s.replyError(sess, msg.ID, devicesync.ErrInvalidPayload)
			return
		}
		if s.acker == nil || !s.acker.Ack(sess.deviceID, ack.CommandID) {
			s.logger.Debug("ack for unknown command", "device_id", sess.deviceID, "command_id", ack.CommandID)
		}

	case WSTypePing:
		sendMessage(sess.send, msg.ID, WSTypePong, nil)

	default:
		sendMessage(sess.send, msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

var errSessionIDMismatch = errors.New("payload device id does not match the session")

func (s *Server) replyError(sess *DeviceSession, id string, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("device message failed", "device_id", sess.deviceID, "error", err)
	}
	sendMessage(sess.send, id, WSTypeError, map[string]any{"code": code, "message": err.Error()})
}
