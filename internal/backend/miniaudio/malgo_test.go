//go:build cgo

package miniaudio

import (
	"testing"

	"github.com/gen2brain/malgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pcmout.dev/internal/audio"
)

func TestToMalgoFormat(t *testing.T) {
	tests := []struct {
		name    string
		format  audio.SampleFormat
		want    malgo.FormatType
		wantErr bool
	}{
		{"u8", audio.FormatU8, malgo.FormatU8, false},
		{"s16", audio.FormatS16, malgo.FormatS16, false},
		{"s24", audio.FormatS24, malgo.FormatS24, false},
		{"s32", audio.FormatS32, malgo.FormatS32, false},
		{"f32", audio.FormatF32, malgo.FormatF32, false},
		{"s8", audio.SampleFormat{Encoding: audio.EncodingSigned, BitDepth: 8, Channels: 2, SampleRate: 48000}, 0, true},
		{"u16", audio.SampleFormat{Encoding: audio.EncodingUnsigned, BitDepth: 16, Channels: 2, SampleRate: 48000}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := toMalgoFormat(tt.format)
			if tt.wantErr {
				assert.ErrorIs(t, err, audio.FormatNotSupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGridFormatsAllMapToNativeTypes(t *testing.T) {
	caps := audio.CapabilityGrid(sampleTypes, channelCounts, audio.StandardRates)
	require.NotEmpty(t, caps.Formats)
	for _, f := range caps.Formats {
		_, err := toMalgoFormat(f)
		assert.NoError(t, err, f.String())
	}
}

func TestRegistered(t *testing.T) {
	var found bool
	for _, r := range audio.Registrations() {
		if r.ID == ID {
			found = true
			assert.Equal(t, priority, r.Priority)
		}
	}
	assert.True(t, found)
}

func TestOnDataWithoutCallbackIsSilent(t *testing.T) {
	h := &handle{format: audio.FormatU8}
	out := []byte{1, 2, 3, 4}
	h.onData(out, nil, 2)
	assert.Equal(t, []byte{0x80, 0x80, 0x80, 0x80}, out)

	h.RegisterFillCallback(func(out []byte) {
		for i := range out {
			out[i] = 9
		}
	})
	h.onData(out, nil, 2)
	assert.Equal(t, []byte{9, 9, 9, 9}, out)
}
