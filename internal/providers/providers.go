// Package providers holds the pieces shared by the transcription, intent and
// synthesis adapters: the remote call error taxonomy and the reporting hook
// every call goes through.
package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	pipeerrors "github.com/fieldlog/voice-pipeline/internal/common/errors"
	"github.com/fieldlog/voice-pipeline/internal/common/metrics"
)

// Observer receives the latency and outcome of every provider call,
// successful or not. The quality monitor implements this; reporting must
// never block the calling adapter.
type Observer interface {
	ObserveProviderCall(provider, service string, latency time.Duration, callErr error)
}

// NopObserver discards observations. Used in tests.
type NopObserver struct{}

func (NopObserver) ObserveProviderCall(string, string, time.Duration, error) {}

// Report forwards a call result to prometheus and the observer.
func Report(obs Observer, provider, service string, latency time.Duration, callErr error) {
	outcome := "success"
	if callErr != nil {
		outcome = string(pipeerrors.CodeOf(callErr))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.ProviderCalls.WithLabelValues(provider, service, outcome).Inc()
	metrics.ProviderCallDuration.WithLabelValues(provider, service).Observe(latency.Seconds())
	if obs != nil {
		obs.ObserveProviderCall(provider, service, latency, callErr)
	}
}

// MapTransportError classifies a transport-level failure from http.Client.Do
// into the provider error taxonomy.
func MapTransportError(provider, service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return pipeerrors.NewProviderTimeoutError(provider, service)
	}
	if errors.Is(err, context.Canceled) {
		return pipeerrors.NewCancelledError()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return pipeerrors.NewProviderTimeoutError(provider, service)
	}
	// Connection resets, refused connections and DNS failures are all
	// transient from the pipeline's point of view.
	return pipeerrors.NewTransientNetworkError(provider, err)
}

// MapStatusError classifies a non-200 HTTP status into the taxonomy.
func MapStatusError(provider, service string, status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pipeerrors.NewProviderAuthFailedError(provider)
	case status == http.StatusTooManyRequests:
		return pipeerrors.NewProviderQuotaExceededError(provider, service)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return pipeerrors.NewProviderTimeoutError(provider, service)
	case status >= 500:
		return pipeerrors.NewTransientNetworkError(provider,
			fmt.Errorf("server error: status %d", status))
	default:
		return pipeerrors.NewInvalidResponseError(provider,
			fmt.Errorf("unexpected status %d", status))
	}
}

// NewHTTPClient builds the client used for remote provider calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}
