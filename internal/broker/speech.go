package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/peyvandtel/broker/internal/media"
)

// KindSpeechToText is the processor kind of audio transcription services.
const KindSpeechToText = "speech_to_text"

// SpeechToText bills an audio file by its duration in seconds.
type SpeechToText struct {
	*BaseProcessor
	inspector media.Inspector
}

func NewSpeechToText(deps ProcessorDeps, inspector media.Inspector) *SpeechToText {
	return &SpeechToText{
		BaseProcessor: NewBaseProcessor(deps, "speech to text"),
		inspector:     inspector,
	}
}

// Validate requires exactly one mp3 or wav file, judged by its content.
func (s *SpeechToText) Validate(ctx context.Context, run *Run) error {
	atts := run.Descriptor.Attachments
	if len(atts) != 1 {
		return &ValidationError{Field: "attachments", Reason: "one file only must be specified"}
	}

	f, err := atts[0].Open()
	if err != nil {
		return internal("validate", fmt.Errorf("opening attachment: %w", err))
	}
	defer f.Close()

	format, err := s.inspector.Detect(f)
	if errors.Is(err, media.ErrUnsupportedFormat) {
		return &ValidationError{Field: "attachments", Reason: err.Error()}
	}
	if err != nil {
		return internal("validate", err)
	}
	run.Descriptor.AdditionalData["format"] = format
	return nil
}

// Calculate measures the duration and prices it per started unit.
func (s *SpeechToText) Calculate(ctx context.Context, run *Run) error {
	format, _ := run.Descriptor.AdditionalData["format"].(media.Format)

	f, err := run.Descriptor.Attachments[0].Open()
	if err != nil {
		return internal("calculate", fmt.Errorf("opening attachment: %w", err))
	}
	defer f.Close()

	length, err := s.inspector.Duration(f, format)
	if err != nil || !length.IsPositive() {
		return &ValidationError{Field: "attachments", Reason: "couldn't calculate the file duration"}
	}
	run.Descriptor.AdditionalData["length"] = length
	run.Quantity = length

	return s.BaseProcessor.Calculate(ctx, run)
}
