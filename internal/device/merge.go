package device

import "fmt"

// MergeRelay folds patch into relays and returns the new slice together with
// the resulting relay.
//
// A relay whose id is already present is updated in place, keeping its
// position; only the fields set in patch change. An unknown id is appended
// with defaults filled in once: name "Relay {id}", switch control, sliderMax
// 255 and on/off commands derived from the id. When the control type changes
// without a new value, the value resets to the new type's zero.
//
// relays is never modified. On error the caller's slice is untouched and no
// merged slice is returned.
func MergeRelay(relays []Relay, patch RelayPatch, policy SliderPolicy) ([]Relay, Relay, error) {
	if err := validateRelayID(patch.RelayID); err != nil {
		return nil, Relay{}, err
	}

	idx := -1
	for i := range relays {
		if relays[i].RelayID == patch.RelayID {
			idx = i
			break
		}
	}

	var rl Relay
	if idx >= 0 {
		rl = relays[idx]
	} else {
		if len(relays) >= maxRelaysPerDevice {
			return nil, Relay{}, fmt.Errorf("%w: device already has %d relays", ErrInvalidChannelState, maxRelaysPerDevice)
		}
		rl = newRelay(patch.RelayID, patch.ControlType)
	}

	applyPatch(&rl, patch)

	if err := validateRelay(&rl, policy); err != nil {
		return nil, Relay{}, err
	}

	out := make([]Relay, len(relays), len(relays)+1)
	copy(out, relays)
	if idx >= 0 {
		out[idx] = rl
	} else {
		out = append(out, rl)
	}
	return out, rl, nil
}

// newRelay builds a relay with every default applied.
func newRelay(id RelayID, ct *ControlType) Relay {
	rl := Relay{
		RelayID:     id,
		Name:        fmt.Sprintf("Relay %s", id),
		ControlType: ControlSwitch,
		SliderMax:   DefaultSliderMax,
	}
	if ct != nil {
		rl.ControlType = *ct
	}
	rl.Value = zeroValue(rl.ControlType)
	if rl.ControlType == ControlSwitch {
		rl.OnCommand, rl.OffCommand = defaultCommands(id)
	}
	return rl
}

// defaultCommands derives the command strings a switch relay uses when the
// device did not declare its own.
func defaultCommands(id RelayID) (on, off string) {
	return fmt.Sprintf("%s:on", id), fmt.Sprintf("%s:off", id)
}

func zeroValue(ct ControlType) Value {
	if ct == ControlSlider {
		return Level(0)
	}
	return Bool(false)
}

func applyPatch(rl *Relay, p RelayPatch) {
	if p.Name != nil {
		rl.Name = *p.Name
	}
	if p.ControlType != nil && *p.ControlType != rl.ControlType {
		rl.ControlType = *p.ControlType
		rl.Value = zeroValue(rl.ControlType)
		if rl.ControlType == ControlSwitch && rl.OnCommand == "" && rl.OffCommand == "" {
			rl.OnCommand, rl.OffCommand = defaultCommands(rl.RelayID)
		}
	}
	if p.SliderMax != nil {
		rl.SliderMax = *p.SliderMax
	}
	if p.Value != nil {
		rl.Value = *p.Value
	}
	if p.OnCommand != nil {
		rl.OnCommand = *p.OnCommand
	}
	if p.OffCommand != nil {
		rl.OffCommand = *p.OffCommand
	}
	if p.Color != nil {
		rl.Color = *p.Color
	}
}

// CommandFor returns the text a device expects for the relay's current value:
// the on/off command for switches and the decimal level for sliders.
func CommandFor(rl Relay) string {
	if on, ok := rl.Value.AsBool(); ok {
		if on {
			return rl.OnCommand
		}
		return rl.OffCommand
	}
	return rl.Value.String()
}
