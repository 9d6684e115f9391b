package audio

import "time"

// Chunk is a single capture event: a contiguous run of mono samples together
// with the moment the first of them was recorded.
//
// A Chunk is immutable once created. Its duration is derived from the sample
// count and rate and cannot be set independently; use [NewChunk] to build one.
// Subscribers share the underlying sample slice and must not modify it.
type Chunk struct {
	samples    []float32
	sampleRate int
	timestamp  time.Time
	duration   time.Duration
}

// NewChunk creates a Chunk for samples that became available at availableAt.
// The chunk's timestamp is availableAt minus the chunk duration, i.e. capture
// latency is assumed to be zero. A non-positive sampleRate yields a zero
// duration.
func NewChunk(samples []float32, sampleRate int, availableAt time.Time) Chunk {
	d := SamplesDuration(len(samples), sampleRate)
	return Chunk{
		samples:    samples,
		sampleRate: sampleRate,
		timestamp:  availableAt.Add(-d),
		duration:   d,
	}
}

// Samples returns the chunk's samples in [-1.0, 1.0]. The slice is shared.
func (c Chunk) Samples() []float32 { return c.samples }

// SampleRate returns the capture rate in Hz.
func (c Chunk) SampleRate() int { return c.sampleRate }

// Timestamp returns the wall-clock time of the first sample.
func (c Chunk) Timestamp() time.Time { return c.timestamp }

// TimestampNanos returns [Chunk.Timestamp] as nanoseconds since the Unix epoch.
func (c Chunk) TimestampNanos() int64 { return c.timestamp.UnixNano() }

// Duration returns len(samples) / sampleRate.
func (c Chunk) Duration() time.Duration { return c.duration }

// Len returns the number of samples.
func (c Chunk) Len() int { return len(c.samples) }

// SamplesDuration returns the playback duration of n samples at rate Hz,
// truncated to whole nanoseconds.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Buffer is a fully materialised block of interleaved float32 samples, as
// produced by the container decoders and consumed by transcription backends.
type Buffer struct {
	// Samples holds interleaved samples in [-1.0, 1.0].
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is 1 for mono, 2 for interleaved stereo.
	Channels int
}

// Format returns the buffer's sample rate and channel count.
func (b Buffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Frames returns the number of sample frames (samples per channel).
func (b Buffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Duration returns the playback duration of the buffer.
func (b Buffer) Duration() time.Duration {
	return SamplesDuration(b.Frames(), b.SampleRate)
}
