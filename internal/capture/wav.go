package capture

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// encodeWAV wraps 16-bit little-endian PCM into a WAV container. The encoder
// needs a seekable writer, so it goes through a temp file.
func encodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}

	file, err := os.CreateTemp("", "voxsheet_capture_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	name := file.Name()
	defer os.Remove(name)

	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		file.Close()
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	return data, nil
}

// pcmLevel computes the mean absolute amplitude of 16-bit PCM, normalized
// to [0,1]. Used by device implementations for live feedback.
func pcmLevel(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	count := len(pcm) / 2
	for i := 0; i < count; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if sample < 0 {
			sum -= float64(sample)
		} else {
			sum += float64(sample)
		}
	}
	return sum / float64(count) / 32768.0
}
