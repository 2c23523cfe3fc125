package aiprovider

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FallbackError reports that every adapter in the chain failed. Both error
// texts are retained; the first failure is never dropped when reporting the
// second.
type FallbackError struct {
	PrimaryProvider   string
	PrimaryErr        error
	SecondaryProvider string
	SecondaryErr      error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("all providers failed: %s: %v; %s: %v",
		e.PrimaryProvider, e.PrimaryErr, e.SecondaryProvider, e.SecondaryErr)
}

// Unwrap exposes both underlying errors to errors.Is/As.
func (e *FallbackError) Unwrap() []error {
	return []error{e.PrimaryErr, e.SecondaryErr}
}

// RawOutput returns any unparseable provider output preserved by either
// attempt, primary first.
func (e *FallbackError) RawOutput() string {
	if ce, ok := AsCallError(e.PrimaryErr); ok && ce.RawOutput != "" {
		return ce.RawOutput
	}
	if ce, ok := AsCallError(e.SecondaryErr); ok && ce.RawOutput != "" {
		return ce.RawOutput
	}
	return ""
}

// GenerateOptions tunes one router invocation.
type GenerateOptions struct {
	// DisableFallback returns the primary failure verbatim instead of
	// escalating to the secondary adapter.
	DisableFallback bool
}

// Router chains a primary adapter (key-rotating) with a stateless secondary
// adapter, escalating only on primary failure.
type Router struct {
	primary   Adapter
	secondary Adapter
	logger    *zap.Logger
}

// NewRouter creates a fallback router. secondary may be nil when no fallback
// provider is configured; failures then surface as fallback-disabled errors.
func NewRouter(primary, secondary Adapter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{primary: primary, secondary: secondary, logger: logger}
}

// Generate tries the primary adapter and, unless disabled, the secondary on
// failure. A secondary success carries the primary's error text along in
// Response.PrimaryError.
func (r *Router) Generate(ctx context.Context, req *Request, opts GenerateOptions) (*Response, error) {
	resp, primaryErr := r.primary.Generate(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}

	r.logger.Warn("primary provider failed",
		zap.String("provider", r.primary.Name()),
		zap.Error(primaryErr))

	// No secondary tier: the primary failure is the result, unwrapped.
	if opts.DisableFallback || r.secondary == nil {
		return nil, primaryErr
	}

	r.logger.Info("falling back to secondary provider",
		zap.String("provider", r.secondary.Name()))

	resp, secondaryErr := r.secondary.Generate(ctx, req)
	if secondaryErr == nil {
		resp.PrimaryError = primaryErr.Error()
		return resp, nil
	}

	r.logger.Error("all providers failed",
		zap.String("primary", r.primary.Name()),
		zap.NamedError("primary_error", primaryErr),
		zap.String("secondary", r.secondary.Name()),
		zap.NamedError("secondary_error", secondaryErr))

	return nil, &FallbackError{
		PrimaryProvider:   r.primary.Name(),
		PrimaryErr:        primaryErr,
		SecondaryProvider: r.secondary.Name(),
		SecondaryErr:      secondaryErr,
	}
}
