// Package audio provides PCM helpers for the client side of a live session:
// mic capture chunking, playback buffering, and simple level metering. All
// audio is 16-bit signed little-endian PCM.
package audio

import (
	"math"
	"sync"
	"time"
)

// Format describes a PCM stream. The gateway speaks 16 kHz mono upstream and
// receives 24 kHz mono back from the model.
type Format struct {
	SampleRate int
	Channels   int
}

var (
	CaptureFormat  = Format{SampleRate: 16000, Channels: 1}
	PlaybackFormat = Format{SampleRate: 24000, Channels: 1}
)

const bytesPerSample = 2

func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * bytesPerSample
}

// BytesFor returns the byte length of d worth of audio, rounded down to a
// whole sample.
func (f Format) BytesFor(d time.Duration) int {
	n := int(d.Milliseconds()) * f.BytesPerSecond() / 1000
	return n - n%(f.Channels*bytesPerSample)
}

func (f Format) Duration(nbytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(nbytes) * time.Second / time.Duration(bps)
}

// RMSEnergy computes root-mean-square energy of PCM samples, in [0, 1].
func RMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / bytesPerSample
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// PeakAmplitude returns the maximum absolute sample amplitude, in [0, 1].
func PeakAmplitude(pcm []byte) float64 {
	var maxAbs float64
	for i := 0; i+1 < len(pcm); i += bytesPerSample {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		// float64 abs avoids overflow on -32768
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / 32768.0
}

// Chunker splits a continuous capture stream into fixed-duration frames
// sized for the gateway's audio frame limit. Partial tail data is held until
// the next Push or an explicit Flush.
type Chunker struct {
	frameBytes int
	pending    []byte
}

func NewChunker(f Format, frame time.Duration) *Chunker {
	n := f.BytesFor(frame)
	if n < bytesPerSample {
		n = bytesPerSample
	}
	return &Chunker{frameBytes: n}
}

// Push appends captured PCM and returns every complete frame now available.
func (c *Chunker) Push(pcm []byte) [][]byte {
	c.pending = append(c.pending, pcm...)
	var frames [][]byte
	for len(c.pending) >= c.frameBytes {
		frame := make([]byte, c.frameBytes)
		copy(frame, c.pending[:c.frameBytes])
		c.pending = c.pending[c.frameBytes:]
		frames = append(frames, frame)
	}
	return frames
}

// Flush returns the buffered partial frame, if any.
func (c *Chunker) Flush() []byte {
	if len(c.pending) == 0 {
		return nil
	}
	out := make([]byte, len(c.pending))
	copy(out, c.pending)
	c.pending = c.pending[:0]
	return out
}

// PlaybackBuffer accumulates model audio for playout. It is bounded: when
// the buffer exceeds its capacity the oldest audio is dropped, which keeps a
// stalled player from growing without limit. Interruptions clear it so stale
// speech is never played.
type PlaybackBuffer struct {
	mu       sync.Mutex
	data     []byte
	maxBytes int
	format   Format
}

func NewPlaybackBuffer(f Format, maxBuffered time.Duration) *PlaybackBuffer {
	maxBytes := f.BytesFor(maxBuffered)
	if maxBytes < bytesPerSample {
		maxBytes = bytesPerSample
	}
	return &PlaybackBuffer{
		data:     make([]byte, 0, maxBytes),
		maxBytes: maxBytes,
		format:   f,
	}
}

func (b *PlaybackBuffer) Write(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, pcm...)
	if len(b.data) > b.maxBytes {
		b.data = b.data[len(b.data)-b.maxBytes:]
	}
}

// Next removes and returns up to max bytes from the front of the buffer.
func (b *PlaybackBuffer) Next(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 || max <= 0 {
		return nil
	}
	if max > len(b.data) {
		max = len(b.data)
	}
	out := make([]byte, max)
	copy(out, b.data[:max])
	b.data = b.data[max:]
	return out
}

func (b *PlaybackBuffer) Buffered() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.format.Duration(len(b.data))
}

func (b *PlaybackBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *PlaybackBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}
