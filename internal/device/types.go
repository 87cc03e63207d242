package device

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Class describes how a device exposes its actuators.
type Class string

const (
	// ClassRelay devices expose an ordered collection of relays.
	ClassRelay Class = "relay"
	// ClassSimple devices expose a single boolean actuator, such as an LED.
	ClassSimple Class = "simple"
)

// ControlType is how a relay is driven.
type ControlType string

const (
	ControlSwitch ControlType = "switch"
	ControlSlider ControlType = "slider"
)

// DefaultSliderMax is the upper bound applied to sliders that do not set one.
const DefaultSliderMax = 255

// Record is the registry's view of one physical device.
//
// Records handed out by the Registry are private copies; mutating one has no
// effect on the registry.
type Record struct {
	ID           string    `json:"id"`
	Class        Class     `json:"class"`
	Relays       []Relay   `json:"relays"`
	SimpleStatus bool      `json:"simpleStatus"`
	Version      uint64    `json:"version"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Relay is one named channel on a device.
type Relay struct {
	RelayID     RelayID     `json:"relayId"`
	Name        string      `json:"name"`
	ControlType ControlType `json:"controlType"`
	Value       Value       `json:"value"`
	SliderMax   int         `json:"sliderMax"`
	OnCommand   string      `json:"onCommand,omitempty"`
	OffCommand  string      `json:"offCommand,omitempty"`
	Color       string      `json:"color,omitempty"`
}

// DeepCopy creates an independent copy of the Record.
func (r *Record) DeepCopy() *Record {
	if r == nil {
		return nil
	}
	cpy := *r
	if r.Relays != nil {
		cpy.Relays = make([]Relay, len(r.Relays))
		copy(cpy.Relays, r.Relays) // Relay holds only value fields
	}
	return &cpy
}

// Relay returns the relay with the given id.
func (r *Record) Relay(id RelayID) (Relay, bool) {
	for _, rl := range r.Relays {
		if rl.RelayID == id {
			return rl, true
		}
	}
	return Relay{}, false
}

// RelayID identifies a relay within one device. Devices send it either as a
// JSON string or a JSON number; numbers must be integral and are kept as
// their canonical decimal text, so 1, 1.0 and 1e0 name the same relay.
type RelayID string

// UnmarshalJSON accepts "3", 3 and 3.0 alike.
func (id *RelayID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = RelayID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("relayId must be a string or number: %w", err)
	}
	if i, err := n.Int64(); err == nil {
		*id = RelayID(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("relayId %s is not an integer", n)
	}
	*id = RelayID(strconv.FormatInt(int64(f), 10))
	return nil
}

type valueKind uint8

const (
	valueUnset valueKind = iota
	valueBool
	valueLevel
)

// Value is a relay reading: a bool for switches, an integer level for sliders.
// The zero Value is unset.
type Value struct {
	kind  valueKind
	on    bool
	level int
}

// Bool returns a switch value.
func Bool(on bool) Value { return Value{kind: valueBool, on: on} }

// Level returns a slider value.
func Level(n int) Value { return Value{kind: valueLevel, level: n} }

// IsSet reports whether the value carries a reading.
func (v Value) IsSet() bool { return v.kind != valueUnset }

// AsBool returns the switch state and whether v is a switch value.
func (v Value) AsBool() (bool, bool) { return v.on, v.kind == valueBool }

// AsLevel returns the slider level and whether v is a slider value.
func (v Value) AsLevel() (int, bool) { return v.level, v.kind == valueLevel }

func (v Value) String() string {
	switch v.kind {
	case valueBool:
		return strconv.FormatBool(v.on)
	case valueLevel:
		return strconv.Itoa(v.level)
	default:
		return "unset"
	}
}

// MarshalJSON writes true/false, an integer, or null when unset.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case valueBool:
		return json.Marshal(v.on)
	case valueLevel:
		return json.Marshal(v.level)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON reads a bool or an integral number. null leaves v unset.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*v = Value{}
		return nil
	case bytes.Equal(data, []byte("true")):
		*v = Bool(true)
		return nil
	case bytes.Equal(data, []byte("false")):
		*v = Bool(false)
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("%w: value must be a boolean or integer", ErrInvalidChannelState)
	}
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return fmt.Errorf("%w: value %v is not an integer", ErrInvalidChannelState, f)
	}
	*v = Level(int(f))
	return nil
}

// RelayPatch is a partial relay update. Nil fields are left as they are.
type RelayPatch struct {
	RelayID     RelayID      `json:"relayId"`
	Name        *string      `json:"name,omitempty"`
	ControlType *ControlType `json:"controlType,omitempty"`
	Value       *Value       `json:"value,omitempty"`
	SliderMax   *int         `json:"sliderMax,omitempty"`
	OnCommand   *string      `json:"onCommand,omitempty"`
	OffCommand  *string      `json:"offCommand,omitempty"`
	Color       *string      `json:"color,omitempty"`
}

// UnmarshalJSON accepts the older field spellings still sent by deployed
// firmware: relayName for name and status for a switch value.
func (p *RelayPatch) UnmarshalJSON(data []byte) error {
	type plain RelayPatch
	var aux struct {
		plain
		RelayName *string `json:"relayName"`
		Status    *bool   `json:"status"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	*p = RelayPatch(aux.plain)
	if p.Name == nil && aux.RelayName != nil {
		p.Name = aux.RelayName
	}
	if p.Value == nil && aux.Status != nil {
		v := Bool(*aux.Status)
		p.Value = &v
	}
	return nil
}

// ChannelUpdate is one write to a device: either a relay patch or, for simple
// devices, the new on/off status. Exactly one field must be set.
type ChannelUpdate struct {
	Relay  *RelayPatch
	Status *bool
}

// RegisterOptions shape a record created by GetOrCreate.
// They are ignored when the record already exists.
type RegisterOptions struct {
	Class  Class
	Relays []RelayPatch
}

// UpsertOptions control how Upsert treats a missing record.
type UpsertOptions struct {
	// CreateIfMissing creates an empty record instead of returning
	// ErrDeviceNotFound. Set for device-originated telemetry.
	CreateIfMissing bool
}

// ChangeKind says what happened to a record.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change describes one committed registry write.
type Change struct {
	Kind     ChangeKind
	DeviceID string
	// Record is the committed state; nil for deletions.
	Record *Record
	// Relay is the relay the write touched, when there was one.
	Relay *Relay
}

// ChangeListener receives committed changes in commit order for each device.
// It runs while the device is still locked and must not block.
type ChangeListener func(Change)
