package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
)

// pcmScale maps signed 16-bit PCM onto [-1.0, 1.0).
const pcmScale = 32768.0

// FormatConverter converts Buffers to a target format. It logs a warning on
// the first format mismatch it sees.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts buf to the target format. If the source format already
// matches the target, buf is returned unchanged (zero allocation).
// Conversion order: downmix first, then resample, so that stereo input is
// never resampled twice.
func (c *FormatConverter) Convert(buf Buffer) Buffer {
	if buf.SampleRate == c.Target.SampleRate && buf.Channels == c.Target.Channels {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(buf.SampleRate, buf.Channels),
			"to", formatString(c.Target.SampleRate, c.Target.Channels),
		)
	})

	samples := buf.Samples
	channels := buf.Channels

	if channels > 1 && c.Target.Channels == 1 {
		samples = Downmix(samples, channels)
		channels = 1
	}

	if buf.SampleRate != c.Target.SampleRate {
		samples = Resample(samples, channels, buf.SampleRate, c.Target.SampleRate)
	}

	// Upmix last so interpolation runs on a single channel.
	if channels == 1 && c.Target.Channels == 2 {
		samples = MonoToStereo(samples)
		channels = 2
	}

	return Buffer{
		Samples:    samples,
		SampleRate: c.Target.SampleRate,
		Channels:   channels,
	}
}

// PCM16ToFloat32 converts 16-bit signed little-endian PCM to float32 samples
// in [-1.0, 1.0]. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := range n {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		out[i] = float32(s) / pcmScale
	}
	return out
}

// Int16ToFloat32 normalises native int16 samples into dst, which must be at
// least len(src) long, and returns dst[:len(src)]. Used on the capture path,
// where the caller owns the destination allocation.
func Int16ToFloat32(dst []float32, src []int16) []float32 {
	dst = dst[:len(src)]
	for i, s := range src {
		dst[i] = float32(s) / pcmScale
	}
	return dst
}

// Float32ToPCM16 converts float32 samples to 16-bit signed little-endian PCM,
// clamping values outside [-1.0, 1.0].
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * pcmScale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono. With
// channels <= 1 the input is returned unchanged. A trailing partial frame is
// dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts interleaved samples from srcRate to dstRate using linear
// interpolation per channel. If the rates are equal or invalid the input is
// returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate {
		return samples
	}
	if channels <= 0 {
		channels = 1
	}
	srcFrames := len(samples) / channels
	if srcFrames == 0 {
		return nil
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel
// count, e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
