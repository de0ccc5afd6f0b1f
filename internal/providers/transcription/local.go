// internal/providers/transcription/local.go
package transcription

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// LocalConfidence is the fixed score reported for on-device recognition,
// reflecting its reduced accuracy relative to the remote provider. It sits
// just above the default transcription gate so offline commands remain
// usable; tenants with stricter gates will be asked to retry.
const LocalConfidence = 0.72

// EngineFunc is the binding to an on-device recognizer. It receives raw
// PCM16 audio and returns the recognized text.
type EngineFunc func(ctx context.Context, audio []byte, language string) (string, error)

// Local is the in-process fallback recognizer.
type Local struct {
	engine     EngineFunc
	confidence float64
}

// NewLocal wraps an on-device engine binding as a Provider.
func NewLocal(engine EngineFunc) *Local {
	return &Local{engine: engine, confidence: LocalConfidence}
}

func (l *Local) Name() string { return "local" }

func (l *Local) Transcribe(ctx context.Context, audio []byte, language string) (Result, error) {
	if l.engine == nil {
		// No engine configured: report an empty transcript with zero
		// confidence so the gate asks the user to retry or type.
		return Result{}, nil
	}
	text, err := l.engine(ctx, audio, language)
	if err != nil {
		return Result{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, nil
	}
	return Result{Text: text, Confidence: l.confidence}, nil
}

// ExecEngine binds a recognizer binary (e.g. a whisper.cpp wrapper): audio on
// stdin, transcript on stdout.
func ExecEngine(path string, args ...string) EngineFunc {
	return func(ctx context.Context, audio []byte, language string) (string, error) {
		cmd := exec.CommandContext(ctx, path, append(args, "--language", language)...)
		cmd.Stdin = bytes.NewReader(audio)
		out, err := cmd.Output()
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
}
