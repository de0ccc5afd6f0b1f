// Package intent converts a transcript plus contextual hints into a
// structured intent via a remote language-understanding provider, with a
// deterministic pattern-matching fallback.
package intent

import (
	"context"
	"time"

	"github.com/fieldlog/voice-pipeline/internal/collab"
	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/logger"
	"github.com/fieldlog/voice-pipeline/internal/providers"
	"github.com/fieldlog/voice-pipeline/internal/ratelimit"
)

const Service = "intent"

// Provider is one intent-parsing backend, remote or local.
type Provider interface {
	Parse(ctx context.Context, transcript, language string, hints map[string]string) (collab.Intent, error)
	Name() string
}

// Adapter selects between the remote parser and the pattern-matching
// fallback and reports every call to the limiter and quality monitor.
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

func (a *Adapter) Call(ctx context.Context, transcript, language, tenant string, hints map[string]string) (collab.Intent, error) {
	if !a.connectivity.IsNetworkAvailable() {
		a.logger.Debug("network unavailable, using pattern matcher", nil)
		return a.invoke(ctx, a.local, transcript, language, hints)
	}

	decision, err := a.limiter.TryConsume(ctx, tenant, a.remote.Name(), Service)
	if err != nil {
		return collab.Intent{}, err
	}
	if !decision.Allowed {
		if decision.Scope == ratelimit.ScopeTenant {
			return collab.Intent{}, pipeerrors.NewRateLimitedError(decision.RetryAfter)
		}
		a.logger.Warn("provider budget exhausted, using pattern matcher", map[string]interface{}{
			"tenant":     tenant,
			"retryAfter": decision.RetryAfter.String(),
		})
		return a.invoke(ctx, a.local, transcript, language, hints)
	}

	return a.invoke(ctx, a.remote, transcript, language, hints)
}

func (a *Adapter) invoke(ctx context.Context, p Provider, transcript, language string, hints map[string]string) (collab.Intent, error) {
	start := time.Now()
	intent, err := p.Parse(ctx, transcript, language, hints)
	providers.Report(a.observer, p.Name(), Service, time.Since(start), err)
	return intent, err
}
