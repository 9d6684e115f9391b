// Package wav decodes and encodes RIFF/WAVE containers holding linear PCM.
//
// Decoding walks the RIFF sub-chunks starting after the 12-byte RIFF header,
// requires a "fmt " chunk describing uncompressed PCM with one or two
// channels and a "data" chunk, and skips anything else. Sample conversion to
// float32 supports 16-bit PCM only. All failures are reported as
// [*FormatError]; malformed input never panics.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gwaggli/gwaggli/pkg/audio"
)

// HeaderSize is the size of a canonical PCM WAV header.
const HeaderSize = 44

// formatPCM is the WAVE_FORMAT_PCM tag.
const formatPCM = 1

// Causes wrapped by [FormatError].
var (
	ErrTooShort         = errors.New("shorter than a WAV header")
	ErrNotRIFF          = errors.New("missing RIFF identifier")
	ErrNotWAVE          = errors.New("missing WAVE identifier")
	ErrMissingFmt       = errors.New("no fmt chunk")
	ErrMissingData      = errors.New("no data chunk")
	ErrTruncatedChunk   = errors.New("chunk extends past end of input")
	ErrUnsupportedCodec = errors.New("audio format is not PCM")
	ErrChannels         = errors.New("unsupported channel count")
	ErrBitDepth         = errors.New("unsupported bits per sample")
)

// FormatError reports why input is not an acceptable WAV file.
type FormatError struct {
	// Offset is the byte offset the problem was detected at, or -1.
	Offset int
	Detail string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "wav: " + e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Offset >= 0 {
		msg += fmt.Sprintf(" (offset %d)", e.Offset)
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(offset int, err error, detail string, args ...any) error {
	if len(args) > 0 {
		detail = fmt.Sprintf(detail, args...)
	}
	return &FormatError{Offset: offset, Detail: detail, Err: err}
}

// Header holds the RIFF size field and the decoded fmt chunk.
type Header struct {
	// RIFFSize is the value of the RIFF chunk size field (file size - 8).
	RIFFSize      uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// Wave is a decoded WAV file.
type Wave struct {
	Header

	// Data is the raw content of the data chunk.
	Data []byte
}

// Decode parses a WAV file held in memory.
func Decode(data []byte) (*Wave, error) {
	if len(data) < HeaderSize {
		return nil, formatErr(-1, ErrTooShort, "got %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, formatErr(0, ErrNotRIFF, "")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, formatErr(8, ErrNotWAVE, "")
	}

	w := &Wave{}
	w.RIFFSize = binary.LittleEndian.Uint32(data[4:8])

	var haveFmt, haveData bool
	off := 12
	for off+8 <= len(data) && !(haveFmt && haveData) {
		id := string(data[off : off+4])
		size := int64(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := int64(body) + size

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, formatErr(off, ErrTruncatedChunk, "fmt chunk is %d bytes, want at least 16", size)
			}
			if end > int64(len(data)) {
				return nil, formatErr(off, ErrTruncatedChunk, "fmt chunk")
			}
			f := data[body:]
			w.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			w.Channels = binary.LittleEndian.Uint16(f[2:4])
			w.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			w.ByteRate = binary.LittleEndian.Uint32(f[8:12])
			w.BlockAlign = binary.LittleEndian.Uint16(f[12:14])
			w.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			haveFmt = true
		case "data":
			// Streamed files often carry a placeholder length; keep what is there.
			if end > int64(len(data)) {
				end = int64(len(data))
			}
			w.Data = bytes.Clone(data[body:end])
			if w.Data == nil {
				w.Data = []byte{}
			}
			haveData = true
		}

		// RIFF chunks are word aligned.
		next := end + size&1
		if next > int64(len(data)) {
			break
		}
		off = int(next)
	}

	if !haveFmt {
		return nil, formatErr(-1, ErrMissingFmt, "")
	}
	if !haveData {
		return nil, formatErr(-1, ErrMissingData, "")
	}
	if w.AudioFormat != formatPCM {
		return nil, formatErr(-1, ErrUnsupportedCodec, "format tag %d", w.AudioFormat)
	}
	if w.Channels != 1 && w.Channels != 2 {
		return nil, formatErr(-1, ErrChannels, "%d channels", w.Channels)
	}
	return w, nil
}

// DecodeReader reads r to EOF and decodes the result.
func DecodeReader(r io.Reader) (*Wave, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wav: read: %w", err)
	}
	return Decode(data)
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Wave, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wav: %w", err)
	}
	return Decode(data)
}

// Samples converts the data chunk to interleaved float32 samples in
// [-1.0, 1.0]. Only 16-bit PCM is supported.
func (w *Wave) Samples() ([]float32, error) {
	if w.BitsPerSample != 16 {
		return nil, formatErr(-1, ErrBitDepth, "%d bits", w.BitsPerSample)
	}
	return audio.PCM16ToFloat32(w.Data), nil
}

// Buffer returns the decoded audio as an [audio.Buffer].
func (w *Wave) Buffer() (audio.Buffer, error) {
	samples, err := w.Samples()
	if err != nil {
		return audio.Buffer{}, err
	}
	return audio.Buffer{
		Samples:    samples,
		SampleRate: int(w.SampleRate),
		Channels:   int(w.Channels),
	}, nil
}

// Duration returns the playback length implied by the data chunk size.
func (w *Wave) Duration() time.Duration {
	if w.BlockAlign == 0 {
		return 0
	}
	return audio.SamplesDuration(len(w.Data)/int(w.BlockAlign), int(w.SampleRate))
}

// EncodePCM16 wraps raw 16-bit signed little-endian PCM in a canonical
// 44-byte RIFF/WAVE header.
func EncodePCM16(pcm []byte, sampleRate, channels int) []byte {
	const bps = 16
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(pcm)

	buf := make([]byte, HeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], formatPCM)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bps)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[HeaderSize:], pcm)

	return buf
}

// Encode renders buf as a 16-bit PCM WAV file.
func Encode(buf audio.Buffer) []byte {
	return EncodePCM16(audio.Float32ToPCM16(buf.Samples), buf.SampleRate, buf.Channels)
}
