package devicesync

import (
	"encoding/json"
	"fmt"

	"github.com/nerrad567/relayhub/internal/device"
)

// DeviceRef names a device in an inbound payload. Deployed firmware uses
// three spellings for the same field; id wins over deviceId over chipId.
type DeviceRef struct {
	ID       string `json:"id,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	ChipID   string `json:"chipId,omitempty"`
}

// Resolve returns the first non-empty spelling.
func (r DeviceRef) Resolve() string {
	switch {
	case r.ID != "":
		return r.ID
	case r.DeviceID != "":
		return r.DeviceID
	default:
		return r.ChipID
	}
}

// RegisterRequest is the body of a registration over any transport.
type RegisterRequest struct {
	DeviceRef
	Class  device.Class        `json:"class,omitempty"`
	Relays []device.RelayPatch `json:"relays,omitempty"`
}

// ParseRegister decodes a registration body. The id may be empty when the
// transport carries it elsewhere (URL or topic).
func ParseRegister(data []byte) (RegisterRequest, error) {
	var req RegisterRequest
	if len(data) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return RegisterRequest{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return req, nil
}

// channelProbe looks at a channel body before committing to a shape.
type channelProbe struct {
	DeviceRef
	RelayID json.RawMessage `json:"relayId"`
	Status  *bool           `json:"status"`
}

// ParseChannelUpdate decodes a channel write. A body with a relayId is a
// relay patch (where status is an alias for value); a body without one
// must carry status and targets a simple device.
//
// The device reference, if the body has one, is returned beside the update.
func ParseChannelUpdate(data []byte) (string, device.ChannelUpdate, error) {
	var probe channelProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", device.ChannelUpdate{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	id := probe.Resolve()

	if len(probe.RelayID) > 0 && string(probe.RelayID) != "null" {
		var patch device.RelayPatch
		if err := json.Unmarshal(data, &patch); err != nil {
			return id, device.ChannelUpdate{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return id, device.ChannelUpdate{Relay: &patch}, nil
	}
	if probe.Status != nil {
		return id, device.ChannelUpdate{Status: probe.Status}, nil
	}
	return id, device.ChannelUpdate{}, fmt.Errorf("%w: relayId or status is required", ErrInvalidPayload)
}

// AckMessage is what a device sends back after executing a command.
type AckMessage struct {
	CommandID string `json:"commandId"`
}

// RawCommand asks for a command to be sent as-is, bypassing the registry.
type RawCommand struct {
	RelayID device.RelayID `json:"relayId,omitempty"`
	Command string         `json:"command"`
}
