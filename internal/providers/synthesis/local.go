// internal/providers/synthesis/local.go
package synthesis

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/google/uuid"
)

// LocalConfidence reflects the placeholder quality of on-device synthesis.
const LocalConfidence = 0.6

const (
	sampleRate = 16000
	toneHz     = 440.0
	// Rough speaking rate used to size the placeholder clip.
	msPerChar = 60
)

// Local generates placeholder PCM16 speech in-process. The clip length
// tracks the text length so playback timing stays believable; an on-device
// TTS engine can replace the tone generator without touching callers.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return "local" }

func (l *Local) Synthesize(ctx context.Context, text, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	durationMs := len(text) * msPerChar
	if durationMs < 300 {
		durationMs = 300
	}
	samples := sampleRate * durationMs / 1000

	audio := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		// Soft attack/release so the placeholder doesn't click.
		envelope := 1.0
		if i < sampleRate/100 {
			envelope = float64(i) / float64(sampleRate/100)
		} else if remaining := samples - i; remaining < sampleRate/100 {
			envelope = float64(remaining) / float64(sampleRate/100)
		}
		v := math.Sin(2*math.Pi*toneHz*float64(i)/sampleRate) * envelope * 0.2
		binary.LittleEndian.PutUint16(audio[i*2:], uint16(int16(v*math.MaxInt16)))
	}

	return Result{
		AudioRef:   uuid.NewString(),
		Audio:      audio,
		Confidence: LocalConfidence,
	}, nil
}
