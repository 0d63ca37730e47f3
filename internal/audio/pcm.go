package audio

import (
	"fmt"
	"math"
)

// BytesToSamples converts raw little-endian PCM bytes to 16-bit samples
func BytesToSamples(data []byte) ([]int16, error) {
	if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	samples := make([]int16, len(data)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples, nil
}

// SamplesToBytes converts 16-bit samples to raw little-endian PCM bytes
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		data[i*2] = byte(sample)
		data[i*2+1] = byte(sample >> 8)
	}
	return data
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// SynthesizeTone generates a sine tone as 16-bit PCM samples.
// Used by the dev harness client to stream recognizable audio without a
// microphone. Amplitude is relative to full scale (0.0 to 1.0).
func SynthesizeTone(freqHz float64, sampleRate, numSamples int, amplitude float64) []int16 {
	if amplitude < 0 {
		amplitude = 0
	}
	if amplitude > 1 {
		amplitude = 1
	}

	samples := make([]int16, numSamples)
	scale := amplitude * 32767.0
	for i := range samples {
		samples[i] = int16(scale * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return samples
}
