package device

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxDeviceIDLength = 64
	maxRelayIDLength  = 32
	maxNameLength     = 100
	maxCommandLength  = 256
	maxColorLength    = 32

	// maxRelaysPerDevice bounds a record so a misbehaving device cannot grow it forever.
	maxRelaysPerDevice = 64
)

var deviceIDRegex = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// SliderPolicy decides what happens to slider values outside [0, sliderMax].
type SliderPolicy int

const (
	// SliderReject fails the write with ErrInvalidChannelState.
	SliderReject SliderPolicy = iota
	// SliderClamp pins the value into range.
	SliderClamp
)

// ParseSliderPolicy maps the config spelling to a SliderPolicy.
func ParseSliderPolicy(s string) (SliderPolicy, error) {
	switch strings.ToLower(s) {
	case "", "reject":
		return SliderReject, nil
	case "clamp":
		return SliderClamp, nil
	default:
		return SliderReject, fmt.Errorf("unknown slider policy %q", s)
	}
}

func (p SliderPolicy) String() string {
	if p == SliderClamp {
		return "clamp"
	}
	return "reject"
}

// ValidateDeviceID checks that id can be used as a registry key.
func ValidateDeviceID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDeviceID)
	}
	if len(id) > maxDeviceIDLength {
		return fmt.Errorf("%w: id exceeds %d characters", ErrInvalidDeviceID, maxDeviceIDLength)
	}
	if !deviceIDRegex.MatchString(id) {
		return fmt.Errorf("%w: id %q may only contain letters, digits and . _ : -", ErrInvalidDeviceID, id)
	}
	return nil
}

// ValidateClass checks a device class, treating empty as relay.
func ValidateClass(c Class) (Class, error) {
	switch c {
	case "":
		return ClassRelay, nil
	case ClassRelay, ClassSimple:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown device class %q", ErrInvalidChannelState, c)
	}
}

// validateUpdate checks the shape of a ChannelUpdate before any lock is taken.
func validateUpdate(u ChannelUpdate) error {
	switch {
	case u.Relay == nil && u.Status == nil:
		return fmt.Errorf("%w: update carries neither a relay nor a status", ErrInvalidChannelState)
	case u.Relay != nil && u.Status != nil:
		return fmt.Errorf("%w: update carries both a relay and a status", ErrInvalidChannelState)
	case u.Relay != nil:
		return validateRelayID(u.Relay.RelayID)
	}
	return nil
}

func validateRelayID(id RelayID) error {
	if id == "" {
		return fmt.Errorf("%w: relayId is required", ErrInvalidChannelState)
	}
	if len(id) > maxRelayIDLength {
		return fmt.Errorf("%w: relayId exceeds %d characters", ErrInvalidChannelState, maxRelayIDLength)
	}
	return nil
}

// validateRelay checks a fully merged relay, applying the slider policy.
// It may rewrite rl.Value when clamping.
func validateRelay(rl *Relay, policy SliderPolicy) error {
	if len(rl.Name) > maxNameLength {
		return fmt.Errorf("%w: relay %s name exceeds %d characters", ErrInvalidChannelState, rl.RelayID, maxNameLength)
	}
	if len(rl.OnCommand) > maxCommandLength || len(rl.OffCommand) > maxCommandLength {
		return fmt.Errorf("%w: relay %s command exceeds %d characters", ErrInvalidChannelState, rl.RelayID, maxCommandLength)
	}
	if len(rl.Color) > maxColorLength {
		return fmt.Errorf("%w: relay %s color exceeds %d characters", ErrInvalidChannelState, rl.RelayID, maxColorLength)
	}

	switch rl.ControlType {
	case ControlSwitch:
		if _, ok := rl.Value.AsBool(); !ok {
			return fmt.Errorf("%w: switch relay %s needs a boolean value, got %s",
				ErrInvalidChannelState, rl.RelayID, rl.Value)
		}
	case ControlSlider:
		if rl.SliderMax <= 0 {
			return fmt.Errorf("%w: relay %s sliderMax must be positive", ErrInvalidChannelState, rl.RelayID)
		}
		level, ok := rl.Value.AsLevel()
		if !ok {
			return fmt.Errorf("%w: slider relay %s needs an integer value, got %s",
				ErrInvalidChannelState, rl.RelayID, rl.Value)
		}
		if level >= 0 && level <= rl.SliderMax {
			return nil
		}
		if policy == SliderReject {
			return fmt.Errorf("%w: relay %s value %d outside [0, %d]",
				ErrInvalidChannelState, rl.RelayID, level, rl.SliderMax)
		}
		rl.Value = Level(min(max(level, 0), rl.SliderMax))
	default:
		return fmt.Errorf("%w: relay %s has unknown controlType %q",
			ErrInvalidChannelState, rl.RelayID, rl.ControlType)
	}
	return nil
}
