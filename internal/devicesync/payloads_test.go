package devicesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRef_Resolve(t *testing.T) {
	tests := []struct {
		name string
		ref  DeviceRef
		want string
	}{
		{"id only", DeviceRef{ID: "a"}, "a"},
		{"deviceId only", DeviceRef{DeviceID: "b"}, "b"},
		{"chipId only", DeviceRef{ChipID: "c"}, "c"},
		{"id wins", DeviceRef{ID: "a", DeviceID: "b", ChipID: "c"}, "a"},
		{"deviceId beats chipId", DeviceRef{DeviceID: "b", ChipID: "c"}, "b"},
		{"none", DeviceRef{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Resolve())
		})
	}
}

func TestParseRegister(t *testing.T) {
	req, err := ParseRegister([]byte(`{"deviceId":"esp-1","class":"relay","relays":[{"relayId":2}]}`))
	require.NoError(t, err)
	assert.Equal(t, "esp-1", req.Resolve())
	require.Len(t, req.Relays, 1)
	assert.Equal(t, "2", string(req.Relays[0].RelayID))

	_, err = ParseRegister([]byte(`{`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestParseChannelUpdate(t *testing.T) {
	id, u, err := ParseChannelUpdate([]byte(`{"chipId":"esp-1","relayId":4,"relayName":"Fan","status":false}`))
	require.NoError(t, err)
	assert.Equal(t, "esp-1", id)
	require.NotNil(t, u.Relay)
	assert.Nil(t, u.Status)
	assert.Equal(t, "4", string(u.Relay.RelayID))
	require.NotNil(t, u.Relay.Name)
	assert.Equal(t, "Fan", *u.Relay.Name)
	on, ok := u.Relay.Value.AsBool()
	assert.True(t, ok)
	assert.False(t, on)

	_, u, err = ParseChannelUpdate([]byte(`{"status":true}`))
	require.NoError(t, err)
	require.NotNil(t, u.Status)
	assert.True(t, *u.Status)
	assert.Nil(t, u.Relay)

	_, _, err = ParseChannelUpdate([]byte(`{"relayId":null}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, _, err = ParseChannelUpdate([]byte(`[]`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
