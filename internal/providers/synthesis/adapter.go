// Package synthesis converts confirmation and error text to audio via a
// remote speech-synthesis provider, with a local placeholder synthesizer.
package synthesis

import (
	"context"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/providers"
	"github.com/fieldlog/voice-pipeline/internal/ratelimit"
)

const Service = "synthesis"

// Result is synthesized speech. AudioRef identifies the clip on the run's
// event stream; Audio carries the PCM16 payload.
type Result struct {
	AudioRef   string
	Audio      []byte
	Confidence float64
}

// Provider is one synthesis backend, remote or local.
type Provider interface {
	Synthesize(ctx context.Context, text, language string) (Result, error)
	Name() string
}

// Adapter selects between the remote synthesizer and the local fallback and
// reports every call to the limiter and quality monitor.
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

func (a *Adapter) Call(ctx context.Context, text, language, tenant string) (Result, error) {
	if !a.connectivity.IsNetworkAvailable() {
		a.logger.Debug("network unavailable, using local synthesizer", nil)
		return a.invoke(ctx, a.local, text, language)
	}

	decision, err := a.limiter.TryConsume(ctx, tenant, a.remote.Name(), Service)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		if decision.Scope == ratelimit.ScopeTenant {
			return Result{}, pipeerrors.NewRateLimitedError(decision.RetryAfter)
		}
		a.logger.Warn("provider budget exhausted, using local synthesizer", map[string]interface{}{
			"tenant":     tenant,
			"retryAfter": decision.RetryAfter.String(),
		})
		return a.invoke(ctx, a.local, text, language)
	}

	return a.invoke(ctx, a.remote, text, language)
}

func (a *Adapter) invoke(ctx context.Context, p Provider, text, language string) (Result, error) {
	start := time.Now()
	result, err := p.Synthesize(ctx, text, language)
	providers.Report(a.observer, p.Name(), Service, time.Since(start), err)
	return result, err
}
