// Package transcription converts audio to text via a remote
// speech-recognition provider, with a local best-effort recognizer used when
// offline or when the provider budget is exhausted.
package transcription

import (
	"context"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/providers"
	"github.com/fieldlog/voice-pipeline/internal/ratelimit"
)

const Service = "transcription"

// Result is a transcript with the recognizer's confidence.
type Result struct {
	Text       string
	Confidence float64
}

// Provider is one transcription backend, remote or local.
type Provider interface {
	Transcribe(ctx context.Context, audio []byte, language string) (Result, error)
	Name() string
}

// Adapter selects between the remote provider and the local fallback and
// reports every call to the limiter and the quality monitor.
type Adapter struct {
	remote       Provider
	local        Provider
	limiter      ratelimit.Limiter
	connectivity collab.Connectivity
	observer     providers.Observer
	logger       logger.Logger
}

func NewAdapter(remote, local Provider, limiter ratelimit.Limiter, conn collab.Connectivity, obs providers.Observer, log logger.Logger) *Adapter {
	return &Adapter{
		remote:       remote,
		local:        local,
		limiter:      limiter,
		connectivity: conn,
		observer:     obs,
		logger:       log.With(map[string]interface{}{"service": Service}),
	}
}

// Call transcribes the audio. Prefers the remote provider when the network is
// up and the rate limiter grants budget; a provider-scoped denial or missing
// connectivity selects the local fallback, a tenant-scoped denial aborts.
func (a *Adapter) Call(ctx context.Context, audio []byte, language, tenant string) (Result, error) {
	if !a.connectivity.IsNetworkAvailable() {
		a.logger.Debug("network unavailable, using local recognizer", nil)
		return a.invoke(ctx, a.local, audio, language)
	}

	decision, err := a.limiter.TryConsume(ctx, tenant, a.remote.Name(), Service)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		if decision.Scope == ratelimit.ScopeTenant {
			return Result{}, pipeerrors.NewRateLimitedError(decision.RetryAfter)
		}
		a.logger.Warn("provider budget exhausted, using local recognizer", map[string]interface{}{
			"tenant":     tenant,
			"retryAfter": decision.RetryAfter.String(),
		})
		return a.invoke(ctx, a.local, audio, language)
	}

	return a.invoke(ctx, a.remote, audio, language)
}

func (a *Adapter) invoke(ctx context.Context, p Provider, audio []byte, language string) (Result, error) {
	start := time.Now()
	result, err := p.Transcribe(ctx, audio, language)
	providers.Report(a.observer, p.Name(), Service, time.Since(start), err)
	return result, err
}
