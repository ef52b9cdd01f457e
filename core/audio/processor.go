package audio

import "context"

// Processor defines an interface for audio processing operations.
type Processor interface {
	Transcode(ctx context.Context, inputFile, outputFile, codec, bitrate string) error
	GetAudioDuration(inputFile string) (float64, error)
}
