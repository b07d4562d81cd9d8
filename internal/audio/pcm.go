package audio

import (
	"encoding/binary"
	"math"
)

// DefaultSilenceThresholdDB is the RMS level, in dBFS, below which a frame
// counts as silence.
const DefaultSilenceThresholdDB = -40.0

const fullScale = 32768.0

// BytesToSamples decodes little-endian PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// ApplyGain scales samples by gainDB decibels, rounding and saturating to
// the int16 range. A zero gain returns samples unchanged.
func ApplyGain(samples []int16, gainDB float64) []int16 {
	if gainDB == 0 {
		return samples
	}
	factor := math.Pow(10, gainDB/20)
	out := make([]int16, len(samples))
	for i, s := range samples {
		out[i] = clip(math.Round(float64(s) * factor))
	}
	return out
}

// RMSDB returns the RMS level of samples in dBFS; -Inf for zero energy.
func RMSDB(samples []int16) float64 {
	if len(samples) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/fullScale)
}

// DetectSilence reports whether samples fall below thresholdDB. Empty and
// zero-energy input is always silent.
func DetectSilence(samples []int16, thresholdDB float64) bool {
	level := RMSDB(samples)
	return math.IsInf(level, -1) || level < thresholdDB
}

// Mix blends two streams as a*(1-ratio) + b*ratio. The result is as long as
// the shorter input; ratio is clamped to [0, 1].
func Mix(a, b []int16, ratio float64) []int16 {
	switch {
	case math.IsNaN(ratio) || ratio < 0:
		ratio = 0
	case ratio > 1:
		ratio = 1
	}
	n := min(len(a), len(b))
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = clip(math.Round(float64(a[i])*(1-ratio) + float64(b[i])*ratio))
	}
	return out
}

func clip(v float64) int16 {
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt16:
		return math.MaxInt16
	case v <= math.MinInt16:
		return math.MinInt16
	default:
		return int16(v)
	}
}
