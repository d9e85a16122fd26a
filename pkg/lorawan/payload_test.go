package lorawan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceKey(t *testing.T) {
	tests := map[string]struct {
		raw       []byte
		wantMType MType
		wantKey   []byte
		wantErr   bool
	}{
		"join request": {
			raw: []byte{
				0x00,
				0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01, // JoinEUI
				0x18, 0x17, 0x16, 0x15, 0x14, 0x13, 0x12, 0x11, // DevEUI
				0xaa, 0xbb,
				0x01, 0x02, 0x03, 0x04,
			},
			wantMType: JoinRequest,
			wantKey:   []byte{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18},
		},
		"unconfirmed data up": {
			raw: []byte{
				0x40,
				0x04, 0x03, 0x02, 0x01, // DevAddr
				0x80,       // FCtrl
				0x01, 0x00, // FCnt
				0x0a, 0xde, 0xad,
				0x01, 0x02, 0x03, 0x04,
			},
			wantMType: UnconfirmedDataUp,
			wantKey:   []byte{0x01, 0x02, 0x03, 0x04},
		},
		"proprietary": {
			raw:       []byte{0xe0, 0x01, 0x02},
			wantMType: Proprietary,
			wantErr:   true,
		},
		"truncated join": {
			raw:       []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
			wantMType: JoinRequest,
			wantErr:   true,
		},
		"empty": {
			raw:     nil,
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mtype, key, err := DeviceKey(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantMType, mtype)
			assert.Equal(t, tc.wantKey, key)
		})
	}
}

func TestDeviceKeyProprietaryIsNoDeviceKey(t *testing.T) {
	mtype, _, err := DeviceKey([]byte{0xe0})
	assert.Equal(t, Proprietary, mtype)
	assert.ErrorIs(t, err, ErrNoDeviceKey)
}

func TestMHDRByte(t *testing.T) {
	assert.Equal(t, byte(0xe0), MHDR{MType: Proprietary}.Byte())
	assert.Equal(t, byte(0x40), MHDR{MType: UnconfirmedDataUp}.Byte())
}

func TestParseDataRate(t *testing.T) {
	dr, err := ParseDataRate("SF9BW125")
	require.NoError(t, err)
	assert.Equal(t, DataRate{SpreadFactor: 9, Bandwidth: 125}, dr)
	assert.Equal(t, "SF9BW125", dr.String())

	for _, bad := range []string{"", "SF", "BW125", "SF13BW125", "SF7BW300", "FSK"} {
		_, err := ParseDataRate(bad)
		assert.Error(t, err, bad)
	}
}

func TestAirtime(t *testing.T) {
	fast, err := DataRate{SpreadFactor: 7, Bandwidth: 125}.Airtime(20)
	require.NoError(t, err)
	slow, err := DataRate{SpreadFactor: 12, Bandwidth: 125}.Airtime(20)
	require.NoError(t, err)

	assert.Greater(t, slow, fast)
	assert.Greater(t, slow.Milliseconds(), int64(400))
	assert.Less(t, fast.Milliseconds(), int64(100))
}
