package modelcache

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultBaseURL is where ggml whisper models are downloaded from.
const DefaultBaseURL = "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/"

// Model is a whisper.cpp model in the catalogue.
type Model struct {
	// Name is the short identifier, e.g. "base".
	Name string
	// File is the ggml file name, e.g. "ggml-base.bin".
	File string
}

// The catalogue, smallest first.
var (
	TinyEN  = Model{Name: "tiny.en", File: "ggml-tiny.en.bin"}
	Base    = Model{Name: "base", File: "ggml-base.bin"}
	Small   = Model{Name: "small", File: "ggml-small.bin"}
	Medium  = Model{Name: "medium", File: "ggml-medium.bin"}
	LargeV3 = Model{Name: "large-v3", File: "ggml-large-v3.bin"}
)

// Models lists every catalogue entry.
var Models = []Model{TinyEN, Base, Small, Medium, LargeV3}

// ErrUnknownModel is returned for names not in the catalogue.
var ErrUnknownModel = errors.New("modelcache: unknown model")

// Lookup finds a model by short name or file name.
func Lookup(name string) (Model, error) {
	for _, m := range Models {
		if m.Name == name || m.File == name {
			return m, nil
		}
	}
	return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, name)
}

// Quality is the user-facing model size selector.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// ErrInvalidQuality is returned by [ParseQuality].
var ErrInvalidQuality = errors.New("invalid quality; valid values: low, medium, high")

// ParseQuality parses s case-insensitively.
func ParseQuality(s string) (Quality, error) {
	q := Quality(strings.ToLower(strings.TrimSpace(s)))
	switch q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidQuality, s)
}

// Model returns the catalogue model for q. Unknown qualities map to
// [Medium].
func (q Quality) Model() Model {
	switch q {
	case QualityLow:
		return TinyEN
	case QualityHigh:
		return LargeV3
	default:
		return Medium
	}
}
