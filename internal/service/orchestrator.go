// Package service implements the answer pipeline: admission, intent fast
// path, cache, answer-source streaming and speech segmentation.
package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/capitalize-ai/answer-stream/internal/answer"
	"github.com/capitalize-ai/answer-stream/internal/cache"
	"github.com/capitalize-ai/answer-stream/internal/config"
	"github.com/capitalize-ai/answer-stream/internal/history"
	"github.com/capitalize-ai/answer-stream/internal/intent"
	"github.com/capitalize-ai/answer-stream/internal/model"
	"github.com/capitalize-ai/answer-stream/internal/registry"
	"github.com/capitalize-ai/answer-stream/internal/segment"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
	"github.com/capitalize-ai/answer-stream/pkg/metrics"
	"github.com/capitalize-ai/answer-stream/pkg/tracing"
)

// Messages shown when an answer cannot be produced normally.
const (
	RateLimitedMessage = "您提问太快了，请稍等片刻再试。"
	UnavailableMessage = "抱歉，问答服务暂时不可用，请稍后再试。"
	InterruptedMessage = "抱歉，回答过程中出现了问题，请稍后再试。"
)

const (
	reasonRateLimited = "rate_limited"
	persistTimeout    = 5 * time.Second
	defaultThreshold  = 0.78
)

// Outcome describes how an ask ended.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeCancelled     Outcome = "cancelled"
	OutcomeDisconnected  Outcome = "disconnected"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeBlockedInput  Outcome = "blocked_input"
	OutcomeBlockedOutput Outcome = "blocked_output"
	OutcomeUpstreamError Outcome = "upstream_error"
	OutcomeRejected      Outcome = "rejected"
)

// Emitter receives the events of one ask in order. A returned error means
// the consumer is gone.
type Emitter func(model.Event) error

// Result summarizes a finished ask.
type Result struct {
	RequestID string
	Mode      model.AnswerMode
	Outcome   Outcome
	Answer    string
	Segments  int
}

// Deps are the collaborators of the orchestrator. History, Cache and
// IntroStripper are optional.
type Deps struct {
	Registry      *registry.Registry
	Source        answer.Source
	Classifier    intent.Classifier
	History       history.Store
	Cache         cache.Cache
	IntroStripper IntroStripper
}

// Orchestrator turns asks into event streams.
type Orchestrator struct {
	registry   *registry.Registry
	source     answer.Source
	classifier intent.Classifier
	history    history.Store
	cache      cache.Cache
	stripper   IntroStripper
	safety     *SafetyFilter
	policy     config.Policy
	logger     *logger.Logger
}

// New creates an orchestrator.
func New(deps Deps, policy config.Policy, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		registry:   deps.Registry,
		source:     deps.Source,
		classifier: deps.Classifier,
		history:    deps.History,
		cache:      deps.Cache,
		stripper:   deps.IntroStripper,
		safety:     NewSafetyFilter(policy.Safety.Blacklist),
		policy:     policy,
		logger:     log.Component("orchestrator"),
	}
}

// AcceptsKind reports whether asks of kind are admitted. An empty kind is
// the default ask kind.
func (o *Orchestrator) AcceptsKind(kind string) bool {
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = model.KindAsk
	}
	return o.policy.KnownKind(kind)
}

// Ask admits req and streams its events to emit. It blocks until the stream
// ends. Upstream failures are reported as events, never returned.
func (o *Orchestrator) Ask(ctx context.Context, req model.AskRequest, emit Emitter) Result {
	req.Normalize()
	if req.RequestID == "" {
		req.RequestID = uuid.Must(uuid.NewV7()).String()
	}

	ctx, span := tracing.Tracer().Start(ctx, "orchestrator.Ask")
	defer span.End()
	span.SetAttributes(
		attribute.String("ask.request_id", req.RequestID),
		attribute.String("ask.client_id", req.ClientID),
		attribute.String("ask.kind", req.Kind),
	)

	t := &turn{
		o:       o,
		req:     req,
		emit:    emit,
		log:     o.logger.WithRequest(req.RequestID, req.ClientID, req.Kind),
		started: time.Now(),
		mode:    model.ModeChat,
		seg: segment.New(segment.Options{
			MaxChunkSize: o.policy.Segmentation.MaxChunkSize,
			Lookback:     o.policy.Segmentation.Lookback,
		}),
	}
	if req.AgentID != "" {
		t.mode = model.ModeAgent
	}

	if !o.policy.KnownKind(req.Kind) {
		t.log.Warn("ask refused: kind has no admission policy")
		span.SetAttributes(attribute.String("ask.outcome", string(OutcomeRejected)))
		return Result{RequestID: req.RequestID, Mode: t.mode, Outcome: OutcomeRejected}
	}

	admission := o.policy.Admission(req.Kind)
	if !o.registry.RateAllow(req.ClientID, req.Kind, admission.Limit, admission.Window()) {
		t.log.Info("ask rate limited")
		t.rateLimited()
		return t.result(span, OutcomeRateLimited)
	}

	t.flag = o.registry.Register(req.ClientID, req.RequestID, req.Kind, admission.SupersedesPrevious())
	defer o.registry.ClearActive(req.ClientID, req.Kind, req.RequestID)

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	return t.result(span, t.run(ctx))
}

// turn is the per-request state of one ask.
type turn struct {
	o    *Orchestrator
	req  model.AskRequest
	emit Emitter
	flag *registry.Flag
	log  *logger.Logger
	seg  *segment.Buffer

	started  time.Time
	mode     model.AnswerMode
	answer   strings.Builder
	seq      int
	gone     bool
	upstream error
}

func (t *turn) run(ctx context.Context) Outcome {
	if t.stopped(ctx) {
		return t.stopOutcome()
	}

	meta, res := t.classify(ctx)
	if !t.send(meta) || t.stopped(ctx) {
		return t.stopOutcome()
	}

	if canned, ok := t.fastPath(res); ok {
		t.mode = model.ModeFastPath
		if !t.text(canned) || !t.finish() {
			return t.stopOutcome()
		}
		t.persist()
		return OutcomeCompleted
	}

	question := augmentQuestion(t.req.Question, t.req.Guide, t.o.policy)

	if t.o.safety.Blocked(question) {
		metrics.SafetyBlocksTotal.WithLabelValues(model.SafetyInput).Inc()
		t.log.Info("question blocked by safety filter")
		if !t.send(model.SafetyBlock{Where: model.SafetyInput}) || !t.send(model.Done{}) {
			return t.stopOutcome()
		}
		return OutcomeBlockedInput
	}

	key, cacheable := t.cacheKey(question)
	if cacheable {
		if cached, ok := t.lookup(ctx, key); ok {
			t.mode = model.ModeCache
			if !t.text(cached) || !t.finish() {
				return t.stopOutcome()
			}
			t.persist()
			return OutcomeCompleted
		}
	}

	outcome := t.stream(ctx, question)
	if outcome == OutcomeCompleted && cacheable {
		t.store(key)
	}
	return outcome
}

// stream runs the answer-source session.
func (t *turn) stream(ctx context.Context, question string) Outcome {
	upstreamCtx, cancel := t.flag.Bind(ctx)
	defer cancel()

	sess := answer.Session{
		RequestID:           t.req.RequestID,
		ClientID:            t.req.ClientID,
		Question:            question,
		AgentID:             t.req.AgentID,
		ConversationContext: t.req.ConversationContext,
	}
	open := t.o.source.OpenChat
	if t.req.AgentID != "" {
		open = t.o.source.OpenAgent
	}

	st, err := open(upstreamCtx, sess)
	if err != nil {
		if t.stopped(ctx) {
			return t.stopOutcome()
		}
		t.upstream = err
		metrics.UpstreamErrorsTotal.WithLabelValues(t.o.source.Name(), "open").Inc()
		t.log.Warn("answer source unavailable", zap.String("source", t.o.source.Name()), zap.Error(err))
		if !t.text(UnavailableMessage) || !t.finish() {
			return t.stopOutcome()
		}
		return OutcomeUpstreamError
	}
	closed := false
	defer func() {
		if !closed {
			st.Close()
		}
	}()

	var stripper IntroStripper
	if t.o.policy.Constraints.NoSelfIntro && !t.req.Guide.Enabled {
		stripper = t.o.stripper
	}
	maxChars := 0
	if !t.req.Guide.Enabled {
		maxChars = t.o.policy.Constraints.MaxAnswerChars
	}
	sh := newShaper(stripper, maxChars, t.o.safety)

	exhausted := false
	for !exhausted {
		if t.stopped(ctx) {
			return t.stopOutcome()
		}
		if !st.Next() {
			break
		}
		if t.stopped(ctx) {
			return t.stopOutcome()
		}

		out, state := sh.push(st.Fragment())
		if state == shapeBlocked {
			return t.blockOutput()
		}
		if !t.text(out) {
			return t.stopOutcome()
		}
		if state == shapeExhausted {
			t.log.Debug("answer length limit reached", zap.Int("max_answer_chars", maxChars))
			exhausted = true
			closed = true
			st.Close()
		}
	}

	if !exhausted {
		if err := st.Err(); err != nil {
			if t.stopped(ctx) {
				return t.stopOutcome()
			}
			return t.interrupted(sh, err)
		}
		if t.stopped(ctx) {
			return t.stopOutcome()
		}
	}

	out, state := sh.flush()
	if state == shapeBlocked {
		return t.blockOutput()
	}
	if !t.text(out) || !t.finish() {
		return t.stopOutcome()
	}
	t.persist()
	return OutcomeCompleted
}

// interrupted reports a mid-stream upstream failure after releasing the
// safe text still held.
func (t *turn) interrupted(sh *shaper, err error) Outcome {
	t.upstream = err
	metrics.UpstreamErrorsTotal.WithLabelValues(t.o.source.Name(), "stream").Inc()
	t.log.Warn("answer stream failed",
		zap.String("source", t.o.source.Name()),
		zap.Int("answer_chars", utf8.RuneCountInString(t.answer.String())),
		zap.Error(err),
	)

	out, state := sh.flush()
	if state != shapeBlocked && !t.text(out) {
		return t.stopOutcome()
	}
	if !t.text(InterruptedMessage) || !t.finish() {
		return t.stopOutcome()
	}
	return OutcomeUpstreamError
}

func (t *turn) blockOutput() Outcome {
	metrics.SafetyBlocksTotal.WithLabelValues(model.SafetyOutput).Inc()
	t.log.Info("answer blocked by safety filter", zap.Int("answer_chars", utf8.RuneCountInString(t.answer.String())))
	if !t.send(model.SafetyBlock{Where: model.SafetyOutput}) || !t.finish() {
		return t.stopOutcome()
	}
	t.persist()
	return OutcomeBlockedOutput
}

func (t *turn) rateLimited() {
	meta := model.Meta{Reason: reasonRateLimited}
	if t.send(meta) && t.text(RateLimitedMessage) {
		t.finish()
	}
}

func (t *turn) classify(ctx context.Context) (model.Meta, intent.Result) {
	res, err := t.o.classifier.Classify(ctx, t.req.Question)
	if err != nil {
		t.log.Warn("intent classification failed", zap.Error(err))
		res = intent.Result{Label: intent.LabelUnknown, Reason: intent.ReasonError}
	}
	return model.Meta{
		Intent:     res.Label,
		Confidence: res.Confidence,
		Matched:    res.Matched,
		Reason:     res.Reason,
	}, res
}

func (t *turn) fastPath(res intent.Result) (string, bool) {
	switch res.Label {
	case config.IntentWayfinding, config.IntentComplaint, config.IntentSmallTalk:
	default:
		return "", false
	}
	threshold := t.o.policy.FastPath.Threshold
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if res.Confidence < threshold {
		return "", false
	}
	canned, ok := t.o.policy.FastPath.Answers[res.Label]
	return canned, ok && canned != ""
}

// cacheKey reports whether this ask may use the cache. Agent sessions and
// named conversations depend on upstream state and are never cached.
func (t *turn) cacheKey(question string) (string, bool) {
	if t.o.cache == nil || !t.o.policy.Cache.Enabled {
		return "", false
	}
	if t.req.AgentID != "" || t.req.ConversationContext != "" {
		return "", false
	}
	return cache.Key(question, t.o.policy.Cache.KBVersion), true
}

func (t *turn) lookup(ctx context.Context, key string) (string, bool) {
	val, ok, err := t.o.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookupsTotal.WithLabelValues("error").Inc()
		t.log.Warn("cache lookup failed", zap.Error(err))
		return "", false
	case !ok || val == "":
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return "", false
	default:
		metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		return val, true
	}
}

func (t *turn) store(key string) {
	answer := t.answer.String()
	if strings.TrimSpace(answer) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := t.o.cache.Set(ctx, key, answer, t.o.policy.Cache.TTL()); err != nil {
		t.log.Warn("cache write failed", zap.Error(err))
	}
}

func (t *turn) persist() {
	if !t.req.Persist || t.o.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	rec := &model.HistoryRecord{
		RequestID:           t.req.RequestID,
		ClientID:            t.req.ClientID,
		Question:            t.req.Question,
		Answer:              t.answer.String(),
		Mode:                t.mode,
		ConversationContext: t.req.ConversationContext,
		AgentID:             t.req.AgentID,
	}
	backend := t.o.history.Name()
	if err := t.o.history.Append(ctx, rec); err != nil {
		metrics.HistoryWritesTotal.WithLabelValues(backend, "error").Inc()
		t.log.Error("failed to persist history", zap.String("backend", backend), zap.Error(err))
		return
	}
	metrics.HistoryWritesTotal.WithLabelValues(backend, "ok").Inc()
}

// text emits a delta and the segments it completes.
func (t *turn) text(s string) bool {
	if s == "" {
		return true
	}
	if t.answer.Len() == 0 {
		metrics.FirstChunkLatency.WithLabelValues(string(t.mode)).Observe(time.Since(t.started).Seconds())
	}
	if !t.send(model.TextDelta{Text: s}) {
		return false
	}
	t.answer.WriteString(s)
	return t.segments(t.seg.Add(s))
}

// finish flushes the segmenter and emits Done.
func (t *turn) finish() bool {
	if !t.segments(t.seg.Finalize()) {
		return false
	}
	return t.send(model.Done{})
}

func (t *turn) segments(chunks []string) bool {
	for _, c := range chunks {
		t.seq++
		metrics.SegmentsTotal.Inc()
		if !t.send(model.Segment{Text: c, Seq: t.seq}) {
			return false
		}
	}
	return true
}

// send delivers one event. A failed delivery means the consumer left; it is
// recorded as a cancellation and nothing more is sent.
func (t *turn) send(ev model.Event) bool {
	if t.gone {
		return false
	}
	if err := t.emit(ev); err != nil {
		t.disconnect()
		return false
	}
	return true
}

func (t *turn) disconnect() {
	if t.gone {
		return
	}
	t.gone = true
	if t.flag != nil {
		t.o.registry.Cancel(t.req.RequestID, registry.ReasonDisconnect)
	}
}

// stopped reports whether the ask must stop producing events.
func (t *turn) stopped(ctx context.Context) bool {
	if t.gone || t.flag.Cancelled() {
		return true
	}
	if ctx.Err() != nil {
		t.disconnect()
		return true
	}
	return false
}

func (t *turn) stopOutcome() Outcome {
	if t.gone {
		return OutcomeDisconnected
	}
	return OutcomeCancelled
}

func (t *turn) result(span trace.Span, outcome Outcome) Result {
	elapsed := time.Since(t.started)
	metrics.RecordAsk(t.req.Kind, string(t.mode), string(outcome), elapsed.Seconds())

	span.SetAttributes(
		attribute.String("ask.mode", string(t.mode)),
		attribute.String("ask.outcome", string(outcome)),
		attribute.Int("ask.segments", t.seq),
	)
	if t.upstream != nil {
		span.RecordError(t.upstream)
		span.SetStatus(codes.Error, "answer source failed")
	}

	fields := []zap.Field{
		zap.String("mode", string(t.mode)),
		zap.String("outcome", string(outcome)),
		zap.Int("answer_chars", utf8.RuneCountInString(t.answer.String())),
		zap.Int("segments", t.seq),
		zap.Duration("duration", elapsed),
	}
	switch outcome {
	case OutcomeCancelled, OutcomeDisconnected:
		if info, ok := t.o.registry.Info(t.req.RequestID); ok {
			fields = append(fields, zap.String("cancel_reason", info.CancelReason))
		}
	}
	t.log.Info("ask finished", fields...)

	return Result{
		RequestID: t.req.RequestID,
		Mode:      t.mode,
		Outcome:   outcome,
		Answer:    t.answer.String(),
		Segments:  t.seq,
	}
}
