// Package audio frames and transforms 16 kHz mono signed 16-bit little-endian
// PCM, the only wire format accepted from meeting clients.
package audio

import (
	"fmt"
	"time"
)

const (
	SampleRate      = 16000
	Channels        = 1
	BytesPerSample  = 2
	FrameDuration   = 20 * time.Millisecond
	SamplesPerFrame = SampleRate * int(FrameDuration/time.Millisecond) / 1000
	FrameBytes      = SamplesPerFrame * BytesPerSample
)

// Frame is exactly one 20 ms frame of PCM audio.
type Frame [FrameBytes]byte

// Bytes returns the frame payload as a slice sharing the frame's storage.
func (f *Frame) Bytes() []byte { return f[:] }

// Samples decodes the frame into signed samples.
func (f *Frame) Samples() []int16 { return BytesToSamples(f[:]) }

// Fit reports how Normalize coerced its input into a frame.
type Fit int

const (
	FitExact Fit = iota
	FitPadded
	FitTruncated
)

func (f Fit) String() string {
	switch f {
	case FitPadded:
		return "padded"
	case FitTruncated:
		return "truncated"
	default:
		return "exact"
	}
}

// ValidationError is returned for chunks that cannot be framed.
type ValidationError struct {
	Length int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid audio chunk of %d bytes: %s", e.Length, e.Reason)
}

// Normalize coerces a raw chunk into a single frame. Shorter chunks are
// zero-padded at the tail and longer chunks keep only their first
// FrameBytes bytes; multi-frame chunks are not split.
func Normalize(raw []byte) (Frame, Fit, error) {
	var frame Frame
	if len(raw)%BytesPerSample != 0 {
		return frame, FitExact, &ValidationError{Length: len(raw), Reason: "length is not a whole number of 16-bit samples"}
	}
	n := copy(frame[:], raw)
	switch {
	case len(raw) > FrameBytes:
		return frame, FitTruncated, nil
	case n < FrameBytes:
		return frame, FitPadded, nil
	default:
		return frame, FitExact, nil
	}
}

// Info summarizes a raw chunk relative to the frame contract.
type Info struct {
	SizeBytes         int     `json:"size_bytes"`
	DurationMS        float64 `json:"duration_ms"`
	SampleCount       int     `json:"sample_count"`
	ExpectedFrameSize int     `json:"expected_frame_size"`
	IsValidFrame      bool    `json:"is_valid_frame"`
}

func Describe(raw []byte) Info {
	samples := len(raw) / BytesPerSample
	return Info{
		SizeBytes:         len(raw),
		DurationMS:        float64(samples) / SampleRate * 1000,
		SampleCount:       samples,
		ExpectedFrameSize: FrameBytes,
		IsValidFrame:      len(raw) == FrameBytes,
	}
}

// SamplesInDuration returns the sample count covering d at SampleRate.
func SamplesInDuration(d time.Duration) int {
	return int(int64(d) * SampleRate / int64(time.Second))
}

// BytesInDuration returns the PCM byte count covering d.
func BytesInDuration(d time.Duration) int {
	return SamplesInDuration(d) * BytesPerSample * Channels
}

// Duration returns the playback time of n PCM bytes.
func Duration(n int) time.Duration {
	samples := int64(n / (BytesPerSample * Channels))
	return time.Duration(samples * int64(time.Second) / SampleRate)
}

// Silence returns d worth of zero-valued PCM.
func Silence(d time.Duration) []byte {
	if d <= 0 {
		return nil
	}
	return make([]byte, BytesInDuration(d))
}
