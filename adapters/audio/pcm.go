// Package audio provides microphone capture and speaker playback using PortAudio.
// Build with -tags portaudio to enable the device implementation.
package audio

import (
	"encoding/binary"
	"errors"
)

const (
	// InputSampleRate is the microphone rate expected by the live model
	InputSampleRate = 16000
	// OutputSampleRate is the rate of audio produced by the live model
	OutputSampleRate = 24000
	// Channels is mono audio
	Channels = 1
	// InputFramesPerBuffer is 64ms of audio at 16kHz
	InputFramesPerBuffer = 1024
	// OutputFramesPerBuffer is 40ms of audio at 24kHz
	OutputFramesPerBuffer = 960
)

// ErrDeviceUnavailable is returned when the binary was built without audio device support
var ErrDeviceUnavailable = errors.New("audio devices unavailable: build with -tags portaudio")

// Int16ToBytes converts int16 audio samples to bytes (little-endian PCM16)
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 fills dst with samples decoded from data and zero pads the rest.
// It returns the number of bytes consumed; a trailing odd byte is ignored.
func BytesToInt16(dst []int16, data []byte) int {
	n := len(data) / 2
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return n * 2
}
