package stream

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVideoFrameLayout(t *testing.T) {
	buf, err := Encode(Frame{
		Kind:      KindVideo,
		Timestamp: 0x0102030405060708,
		Keyframe:  true,
		Data:      []byte{0xAA, 0xBB},
	})
	require.NoError(t, err)

	assert.Equal(t, byte(0), buf[0])
	// u64 LE timestamp
	assert.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, buf[1:9])
	assert.Equal(t, byte(1), buf[9])
	// u32 LE size
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, buf[10:14])
	assert.Equal(t, []byte{0xAA, 0xBB}, buf[14:])
}

func TestAudioFrameLayout(t *testing.T) {
	buf, err := Encode(Frame{
		Kind:      KindAudio,
		Timestamp: 42,
		Data:      []byte{0x01},
	})
	require.NoError(t, err)

	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, byte(42), buf[1])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, buf[9:13])
	assert.Equal(t, []byte{0x01}, buf[13:])
}

func TestDecodeRejectsCorruptFrames(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte{7})
	assert.Error(t, err)

	buf, err := Encode(Frame{Kind: KindVideo, Timestamp: 1, Data: []byte{1, 2, 3}})
	require.NoError(t, err)
	_, err = Decode(buf[:len(buf)-1])
	assert.Error(t, err)
}

func TestFrameRoundTripProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("video frames survive a round trip", prop.ForAll(
		func(ts uint64, keyframe bool, data []byte) bool {
			buf, err := Encode(Frame{Kind: KindVideo, Timestamp: ts, Keyframe: keyframe, Data: data})
			if err != nil {
				return false
			}
			decoded, err := Decode(buf)
			if err != nil {
				return false
			}
			return decoded.Kind == KindVideo &&
				decoded.Timestamp == ts &&
				decoded.Keyframe == keyframe &&
				string(decoded.Data) == string(data)
		},
		gen.UInt64(), gen.Bool(), gen.SliceOf(gen.UInt8()),
	))

	properties.Property("audio frames survive a round trip", prop.ForAll(
		func(ts uint64, data []byte) bool {
			buf, err := Encode(Frame{Kind: KindAudio, Timestamp: ts, Data: data})
			if err != nil {
				return false
			}
			decoded, err := Decode(buf)
			if err != nil {
				return false
			}
			return decoded.Kind == KindAudio &&
				decoded.Timestamp == ts &&
				string(decoded.Data) == string(data)
		},
		gen.UInt64(), gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
