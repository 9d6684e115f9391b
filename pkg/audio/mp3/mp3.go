// Package mp3 decodes MPEG-1/2 Layer III files into [audio.Buffer]s.
//
// Decoding is delegated to github.com/hajimehoshi/go-mp3, which always
// produces 16-bit little-endian interleaved stereo at the stream's native
// sample rate. Callers that need 16 kHz mono should pass the result through
// [audio.FormatConverter].
package mp3

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	gomp3 "github.com/hajimehoshi/go-mp3"

	"github.com/gwaggli/gwaggli/pkg/audio"
)

// Channels is the channel count of every decoded buffer.
const Channels = 2

// ErrInvalidStream is wrapped when the input is not a decodable MP3 stream.
var ErrInvalidStream = errors.New("mp3: invalid stream")

// Decode reads an entire MP3 stream from r.
func Decode(r io.Reader) (audio.Buffer, error) {
	d, err := gomp3.NewDecoder(r)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: %w", ErrInvalidStream, err)
	}

	var pcm []byte
	if n := d.Length(); n > 0 {
		pcm = make([]byte, 0, n)
	}
	w := bytes.NewBuffer(pcm)
	if _, err := io.Copy(w, d); err != nil {
		return audio.Buffer{}, fmt.Errorf("%w: decode: %w", ErrInvalidStream, err)
	}

	return audio.Buffer{
		Samples:    audio.PCM16ToFloat32(w.Bytes()),
		SampleRate: d.SampleRate(),
		Channels:   Channels,
	}, nil
}

// ReadFile decodes the MP3 file at path.
func ReadFile(path string) (audio.Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("mp3: %w", err)
	}
	defer f.Close()
	return Decode(f)
}
