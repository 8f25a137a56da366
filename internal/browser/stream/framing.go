// Package stream bridges the headless browser's capture surface to clients
// over a WebRTC DataChannel. Encoded chunks travel in a compact binary
// framing; decoding and rendering happen client-side.
package stream

import (
	"encoding/binary"
	"fmt"
)

// Frame kind discriminators, the first byte of every frame.
const (
	KindVideo byte = 0
	KindAudio byte = 1
)

// Frame is one encoded media chunk.
type Frame struct {
	Kind      byte
	Timestamp uint64 // microseconds
	Keyframe  bool   // video only
	Data      []byte
}

// video: [0][ts:u64 LE][key:1][size:u32 LE][data]
// audio: [1][ts:u64 LE][size:u32 LE][data]
const (
	videoHeaderSize = 1 + 8 + 1 + 4
	audioHeaderSize = 1 + 8 + 4
)

// Encode renders the frame in its wire form.
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindVideo:
		buf := make([]byte, videoHeaderSize+len(f.Data))
		buf[0] = KindVideo
		binary.LittleEndian.PutUint64(buf[1:9], f.Timestamp)
		if f.Keyframe {
			buf[9] = 1
		}
		binary.LittleEndian.PutUint32(buf[10:14], uint32(len(f.Data)))
		copy(buf[videoHeaderSize:], f.Data)
		return buf, nil
	case KindAudio:
		buf := make([]byte, audioHeaderSize+len(f.Data))
		buf[0] = KindAudio
		binary.LittleEndian.PutUint64(buf[1:9], f.Timestamp)
		binary.LittleEndian.PutUint32(buf[9:13], uint32(len(f.Data)))
		copy(buf[audioHeaderSize:], f.Data)
		return buf, nil
	default:
		return nil, fmt.Errorf("unknown frame kind: %d", f.Kind)
	}
}

// Decode parses a wire frame.
func Decode(buf []byte) (Frame, error) {
	if len(buf) == 0 {
		return Frame{}, fmt.Errorf("empty frame")
	}
	switch buf[0] {
	case KindVideo:
		if len(buf) < videoHeaderSize {
			return Frame{}, fmt.Errorf("video frame too short: %d bytes", len(buf))
		}
		size := binary.LittleEndian.Uint32(buf[10:14])
		if int(size) != len(buf)-videoHeaderSize {
			return Frame{}, fmt.Errorf("video frame size mismatch: header %d, payload %d", size, len(buf)-videoHeaderSize)
		}
		return Frame{
			Kind:      KindVideo,
			Timestamp: binary.LittleEndian.Uint64(buf[1:9]),
			Keyframe:  buf[9] == 1,
			Data:      buf[videoHeaderSize:],
		}, nil
	case KindAudio:
		if len(buf) < audioHeaderSize {
			return Frame{}, fmt.Errorf("audio frame too short: %d bytes", len(buf))
		}
		size := binary.LittleEndian.Uint32(buf[9:13])
		if int(size) != len(buf)-audioHeaderSize {
			return Frame{}, fmt.Errorf("audio frame size mismatch: header %d, payload %d", size, len(buf)-audioHeaderSize)
		}
		return Frame{
			Kind:      KindAudio,
			Timestamp: binary.LittleEndian.Uint64(buf[1:9]),
			Data:      buf[audioHeaderSize:],
		}, nil
	default:
		return Frame{}, fmt.Errorf("unknown frame kind: %d", buf[0])
	}
}
