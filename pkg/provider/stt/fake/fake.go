// Package fake provides a transcriber that performs no recognition. It is
// used to exercise the live pipeline without a model.
package fake

import (
	"context"
	"fmt"

	"github.com/gwaggli/gwaggli/pkg/audio"
	"github.com/gwaggli/gwaggli/pkg/provider/stt"
)

// Name is the provider name reported in transcripts.
const Name = "fake"

// Transcriber reports the number of samples it was given.
type Transcriber struct{}

var _ stt.Transcriber = Transcriber{}

// Transcribe returns a fixed sentence carrying len(buf.Samples).
func (Transcriber) Transcribe(ctx context.Context, buf audio.Buffer) (stt.Transcript, error) {
	if err := stt.Validate(buf); err != nil {
		return stt.Transcript{}, err
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, err
	}
	return stt.Transcript{
		Text:     fmt.Sprintf("No real transcription, but returning some data. Length=%d", len(buf.Samples)),
		Duration: buf.Duration(),
		Provider: Name,
	}, nil
}
