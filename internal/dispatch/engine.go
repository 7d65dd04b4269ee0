package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/vertex-balancer/internal/adapter/vertex"
	"github.com/fairyhunter13/vertex-balancer/internal/domain"
	"github.com/fairyhunter13/vertex-balancer/internal/translator"
)

// Upstream is the slice of the Vertex client the engine uses. The indirection
// exists so dispatch tests can run against fakes.
type Upstream interface {
	Generate(ctx context.Context, req *vertex.GenerateContentRequest) (*vertex.GenerateContentResponse, error)
	Stream(ctx context.Context, req *vertex.GenerateContentRequest) (vertex.StreamReader, error)
}

// ClientFactory builds an upstream for one (target, model) pair. Credential
// problems surface here, before any network call.
type ClientFactory func(ctx context.Context, t domain.Target, model string) (Upstream, error)

// NewVertexFactory returns the production factory over the real client.
func NewVertexFactory(timeout time.Duration) ClientFactory {
	return func(ctx context.Context, t domain.Target, model string) (Upstream, error) {
		return vertex.NewClient(ctx, t.ServiceAccountKeyJSON, t.ProjectID, t.Location, model, timeout)
	}
}

// Metrics is the engine's observability hook. Nil is allowed.
type Metrics interface {
	DispatchAttempt(outcome string)
	ObserveUpstream(d time.Duration)
	LogAppendFailure()
}

// RequestMeta carries per-request identity into the engine for logging.
type RequestMeta struct {
	RequestID string
	IP        string
	Start     time.Time
	Logger    *slog.Logger
}

// Engine runs the dispatch loop: acquire a target, call Vertex, account the
// outcome, and retry or fail over per the settings snapshot.
type Engine struct {
	manager   *Manager
	settings  domain.SettingsSource
	logs      domain.RequestLogSink
	factory   ClientFactory
	estimator *TokenEstimator
	metrics   Metrics

	sleep func(ctx context.Context, d time.Duration) error // test seam
}

// NewEngine wires the dispatch loop. metrics may be nil.
func NewEngine(m *Manager, settings domain.SettingsSource, logs domain.RequestLogSink, factory ClientFactory, metrics Metrics) *Engine {
	return &Engine{
		manager:   m,
		settings:  settings,
		logs:      logs,
		factory:   factory,
		estimator: NewTokenEstimator(),
		metrics:   metrics,
		sleep:     sleepCtx,
	}
}

// Execute serves one chat completion end to end. On success the response
// (unary JSON or SSE) has been written and nil is returned; a non-nil return
// means nothing was written yet and the caller owns the error envelope.
//
// Retries happen only while the client has seen no bytes: once streaming
// starts, a mid-flight failure is reported in-band and the dispatch is over.
func (e *Engine) Execute(ctx context.Context, w http.ResponseWriter, req *translator.ChatCompletionRequest, meta RequestMeta) *domain.DispatchError {
	lg := meta.Logger
	if lg == nil {
		lg = slog.Default()
	}

	st, err := e.settings.Snapshot(ctx)
	if err != nil {
		lg.Warn("settings snapshot failed, dispatching with defaults", slog.Any("error", err))
		st = domain.DefaultSettings()
	}

	vreq, terr := translator.ToVertexRequest(lg, req)
	if terr != nil {
		derr := domain.Classify(terr)
		e.appendLog(ctx, lg, e.record(meta, req, domain.TargetNone, derr, time.Since(meta.Start)))
		return derr
	}

	var lastErr *domain.DispatchError
	for attempt := 1; ; attempt++ {
		target, aerr := e.manager.Acquire(ctx, st)
		if aerr != nil {
			derr := domain.Classify(aerr)
			e.observe("no_target")
			e.appendLog(ctx, lg, e.record(meta, req, domain.TargetUnavailable, derr, time.Since(meta.Start)))
			lg.Warn("no target available for dispatch", slog.Int("attempt", attempt), slog.Any("error", derr))
			return derr
		}
		alg := lg.With(
			slog.String("target_id", target.ID),
			slog.String("project_id", target.ProjectID),
			slog.String("location", target.Location),
			slog.Int("attempt", attempt),
		)

		up, ferr := e.factory(ctx, target, req.Model)
		if ferr != nil {
			derr := domain.ConfigurationErr(ferr.Error())
			derr.Err = ferr
			_, merr := e.manager.MarkError(ctx, target, derr, st)
			if merr != nil {
				alg.Error("mark error failed", slog.Any("error", merr))
			}
			e.observe("configuration_error")
			e.appendLog(ctx, lg, e.record(meta, req, target.ID, derr, time.Since(meta.Start)))
			alg.Error("target credentials unusable", slog.Any("error", ferr))
			return derr
		}

		callStart := time.Now()
		var callErr error
		if req.Stream {
			done, derr := e.executeStream(ctx, w, alg, up, vreq, req, target, st, meta, callStart)
			if done {
				return derr
			}
			callErr = derr
		} else {
			resp, gerr := up.Generate(ctx, vreq)
			if gerr == nil {
				e.observeUpstream(time.Since(callStart))
				e.finishUnary(ctx, w, alg, resp, req, target, meta, callStart)
				return nil
			}
			callErr = gerr
		}

		derr := domain.Classify(callErr)
		e.observeUpstream(time.Since(callStart))
		e.observe(string(derr.Kind))
		isRateLimit, merr := e.manager.MarkError(ctx, target, derr, st)
		if merr != nil {
			alg.Error("mark error failed", slog.Any("error", merr))
		}
		e.appendLog(ctx, lg, e.record(meta, req, target.ID, derr, time.Since(callStart)))
		alg.Warn("dispatch attempt failed",
			slog.String("error_type", derr.Name),
			slog.Int("status", derr.Status),
			slog.Bool("retryable", derr.Retryable),
			slog.Any("error", derr.Err))

		lastErr = derr
		if !derr.Retryable {
			return derr
		}
		if attempt > st.MaxRetries {
			final := domain.MaxRetriesExceeded(lastErr)
			e.observe("max_retries_exceeded")
			e.appendLog(ctx, lg, e.record(meta, req, target.ID, final, time.Since(meta.Start)))
			return final
		}

		// Rate limits fail over after the configured delay; everything else
		// backs off linearly with the attempt number.
		wait := 500 * time.Millisecond * time.Duration(attempt)
		if isRateLimit {
			wait = st.FailoverDelay()
		}
		if err := e.sleep(ctx, wait); err != nil {
			return derr
		}
	}
}

// executeStream opens the upstream stream and, once open, pumps it to the
// client. done reports whether the dispatch is finished (success or a
// post-first-byte failure); when false, the returned error is retryable
// stream-open failure context for the caller's loop.
func (e *Engine) executeStream(
	ctx context.Context,
	w http.ResponseWriter,
	lg *slog.Logger,
	up Upstream,
	vreq *vertex.GenerateContentRequest,
	req *translator.ChatCompletionRequest,
	target domain.Target,
	st domain.Settings,
	meta RequestMeta,
	callStart time.Time,
) (bool, *domain.DispatchError) {
	stream, serr := up.Stream(ctx, vreq)
	if serr != nil {
		// No bytes written yet: the caller may retry.
		return false, domain.Classify(serr)
	}

	res := translator.PumpSSE(ctx, w, stream, req.Model, lg)
	e.observeUpstream(time.Since(callStart))
	if res.Err != nil {
		derr := domain.Classify(res.Err)
		derr.Kind = domain.KindStream
		derr.Name = "StreamError"
		_, merr := e.manager.MarkError(ctx, target, derr, st)
		if merr != nil {
			lg.Error("mark error failed", slog.Any("error", merr))
		}
		e.observe("stream_error")
		e.appendLog(ctx, lg, e.record(meta, req, target.ID, derr, time.Since(callStart)))
		lg.Warn("stream failed after first byte", slog.Any("error", res.Err))
		// The error frame and [DONE] already went out; nothing more to write.
		return true, nil
	}

	if err := e.manager.MarkSuccess(ctx, target); err != nil {
		lg.Error("mark success failed", slog.Any("error", err))
	}
	rec := e.record(meta, req, target.ID, nil, time.Since(callStart))
	rec.IsStreaming = true
	if res.Usage != nil {
		rec.PromptTokens = res.Usage.PromptTokens
		rec.CompletionTokens = res.Usage.CompletionTokens
		rec.TotalTokens = res.Usage.TotalTokens
	} else {
		rec.PromptTokens = e.estimator.Count(translator.PromptText(req))
		rec.CompletionTokens = e.estimator.Count(res.CompletionText)
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	e.observe("success")
	e.appendLog(ctx, lg, rec)
	lg.Info("stream completed",
		slog.Bool("saw_finish", res.SawFinish),
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Duration("duration", time.Since(callStart)))
	return true, nil
}

func (e *Engine) finishUnary(
	ctx context.Context,
	w http.ResponseWriter,
	lg *slog.Logger,
	resp *vertex.GenerateContentResponse,
	req *translator.ChatCompletionRequest,
	target domain.Target,
	meta RequestMeta,
	callStart time.Time,
) {
	if err := e.manager.MarkSuccess(ctx, target); err != nil {
		lg.Error("mark success failed", slog.Any("error", err))
	}
	out := translator.FromVertexResponse(resp, req.Model)

	rec := e.record(meta, req, target.ID, nil, time.Since(callStart))
	rec.PromptTokens = out.Usage.PromptTokens
	rec.CompletionTokens = out.Usage.CompletionTokens
	rec.TotalTokens = out.Usage.TotalTokens
	e.observe("success")
	e.appendLog(ctx, lg, rec)
	lg.Info("completion served",
		slog.Int("total_tokens", rec.TotalTokens),
		slog.Duration("duration", time.Since(callStart)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		lg.Warn("response write failed", slog.Any("error", err))
	}
}

// record builds the base request-log row. derr nil means success.
func (e *Engine) record(meta RequestMeta, req *translator.ChatCompletionRequest, targetID string, derr *domain.DispatchError, took time.Duration) domain.RequestLog {
	rec := domain.RequestLog{
		ID:             ulid.Make().String(),
		RequestID:      meta.RequestID,
		TargetID:       targetID,
		Timestamp:      time.Now(),
		RequestedModel: req.Model,
		ModelUsed:      req.Model,
		IsStreaming:    req.Stream,
		StatusCode:     http.StatusOK,
		ResponseTimeMS: took.Milliseconds(),
		IPAddress:      meta.IP,
	}
	if derr != nil {
		rec.StatusCode = derr.Status
		rec.IsError = true
		rec.ErrorType = derr.Name
		rec.ErrorMessage = derr.Message
	}
	return rec
}

func (e *Engine) appendLog(ctx context.Context, lg *slog.Logger, rec domain.RequestLog) {
	if e.logs == nil {
		return
	}
	// Logging must never block or fail the response path.
	if err := e.logs.Append(ctx, rec); err != nil {
		lg.Error("request log append failed", slog.Any("error", err), slog.String("record_id", rec.ID))
		if e.metrics != nil {
			e.metrics.LogAppendFailure()
		}
	}
}

func (e *Engine) observe(outcome string) {
	if e.metrics != nil {
		e.metrics.DispatchAttempt(outcome)
	}
}

func (e *Engine) observeUpstream(d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveUpstream(d)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
