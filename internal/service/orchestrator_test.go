package service_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/answer-stream/internal/cache"
	"github.com/capitalize-ai/answer-stream/internal/config"
	"github.com/capitalize-ai/answer-stream/internal/history"
	"github.com/capitalize-ai/answer-stream/internal/intent"
	"github.com/capitalize-ai/answer-stream/internal/model"
	"github.com/capitalize-ai/answer-stream/internal/registry"
	"github.com/capitalize-ai/answer-stream/internal/service"
	"github.com/capitalize-ai/answer-stream/pkg/logger"
)

var general = fakeClassifier{res: intent.Result{Label: intent.LabelGeneral, Reason: intent.ReasonNoMatch}}

type fixture struct {
	orch     *service.Orchestrator
	registry *registry.Registry
	source   *fakeSource
	history  *history.Memory
	cache    *cache.Memory
}

func newFixture(t *testing.T, src *fakeSource, cls intent.Classifier, edit func(*config.Policy)) *fixture {
	t.Helper()
	policy := config.DefaultPolicy()
	if edit != nil {
		edit(&policy)
	}
	require.NoError(t, policy.Validate())

	stripper, err := service.NewPatternStripper(service.DefaultIntroPattern)
	require.NoError(t, err)

	f := &fixture{
		registry: registry.New(registry.Config{}, logger.NewNop()),
		source:   src,
		history:  history.NewMemory(),
		cache:    cache.NewMemory(0),
	}
	f.orch = service.New(service.Deps{
		Registry:      f.registry,
		Source:        src,
		Classifier:    cls,
		History:       f.history,
		Cache:         f.cache,
		IntroStripper: stripper,
	}, policy, logger.NewNop())
	return f
}

func ask(id, question string) model.AskRequest {
	return model.AskRequest{Question: question, RequestID: id, ClientID: "dev-1", Kind: model.KindAsk}
}

func (f *fixture) historyFor(t *testing.T, clientID string) []model.HistoryRecord {
	t.Helper()
	recs, err := f.history.List(context.Background(), history.Query{ClientID: clientID})
	require.NoError(t, err)
	return recs
}

// assertWellFormed checks ordering rules every completed stream obeys.
func assertWellFormed(t *testing.T, events []model.Event) {
	t.Helper()
	require.NotEmpty(t, events)
	_, isMeta := events[0].(model.Meta)
	assert.True(t, isMeta, "first event must be Meta")
	_, isDone := events[len(events)-1].(model.Done)
	assert.True(t, isDone, "last event must be Done")

	var shown strings.Builder
	seq := 0
	for i, ev := range events {
		switch e := ev.(type) {
		case model.Meta:
			assert.Zero(t, i, "Meta only comes first")
		case model.Done:
			assert.Equal(t, len(events)-1, i, "Done only comes last")
		case model.TextDelta:
			shown.WriteString(e.Text)
		case model.Segment:
			seq++
			assert.Equal(t, seq, e.Seq)
			assert.Contains(t, shown.String(), e.Text, "segment text must already be shown")
		}
	}
}

func TestAsk_DeltaReconstruction(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"你好", "你好，世界"}}
	f := newFixture(t, src, general, nil)
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "打个招呼"), rec.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, []string{"你好", "，世界"}, rec.deltas())
	assert.Equal(t, "你好，世界", res.Answer)
	assertWellFormed(t, rec.all())
	require.Len(t, rec.segments(), 1)
	assert.Equal(t, "你好，世界", rec.segments()[0].Text)
}

func TestAsk_MetaCarriesIntent(t *testing.T) {
	t.Parallel()
	cls := fakeClassifier{res: intent.Result{Label: "wayfinding", Confidence: 0.6, Matched: []string{"在哪"}, Reason: intent.ReasonKeyword}}
	f := newFixture(t, &fakeSource{fragments: []string{"在二楼。"}}, cls, nil)
	rec := &recorder{}

	f.orch.Ask(context.Background(), ask("req-1", "请问这个展品的介绍在哪里可以看到呢"), rec.emit)

	meta, ok := rec.all()[0].(model.Meta)
	require.True(t, ok)
	assert.Equal(t, "wayfinding", meta.Intent)
	assert.Equal(t, 0.6, meta.Confidence)
	assert.Equal(t, []string{"在哪"}, meta.Matched)
	assert.Equal(t, 1, f.source.Opened(), "below the threshold the answer source is used")
}

func TestAsk_LengthClamp(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"abc", "defgh", "ijk"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Constraints.MaxAnswerChars = 5
	})
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "abcde", strings.Join(rec.deltas(), ""))
	assert.True(t, rec.done())
	assertWellFormed(t, rec.all())
	require.Len(t, src.streams, 1)
	assert.Equal(t, 2, src.streams[0].nexts, "no fragment is consumed after the limit")
	assert.True(t, src.streams[0].closed)
	assert.Contains(t, src.LastSession().Question, "回答不超过5字")
}

func TestAsk_OutputSafetyBlock(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"你好，", "你好，秘密", "还有更多"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Safety.Blacklist = config.TermList{"秘密"}
	})
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "说点什么"), rec.emit)

	assert.Equal(t, service.OutcomeBlockedOutput, res.Outcome)
	for _, d := range rec.deltas() {
		assert.NotContains(t, d, "秘密")
	}
	for _, s := range rec.segments() {
		assert.NotContains(t, s.Text, "秘密")
	}
	block := rec.indexOf(func(ev model.Event) bool {
		sb, ok := ev.(model.SafetyBlock)
		return ok && sb.Where == model.SafetyOutput
	})
	require.GreaterOrEqual(t, block, 0)
	assert.Less(t, block, len(rec.all())-1)
	assertWellFormed(t, rec.all())
	assert.Equal(t, 2, src.streams[0].nexts)

	// Nothing after the block is a text delta.
	for _, ev := range rec.all()[block:] {
		_, isDelta := ev.(model.TextDelta)
		assert.False(t, isDelta)
	}
}

func TestAsk_OutputSafetyBlockAcrossFragments(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"这是秘", "密文件"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Safety.Blacklist = config.TermList{"秘密"}
	})
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeBlockedOutput, res.Outcome)
	assert.Equal(t, []string{"这是"}, rec.deltas())
}

func TestAsk_HeldSafetyPrefixIsReleasedAtEnd(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"这是秘"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Safety.Blacklist = config.TermList{"秘密"}
	})
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "这是秘", strings.Join(rec.deltas(), ""))
	assertWellFormed(t, rec.all())
}

func TestAsk_InputSafetyBlock(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"不该出现"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Safety.Blacklist = config.TermList{"炸弹"}
	})
	rec := &recorder{}
	req := ask("req-1", "怎么做炸弹")
	req.Persist = true

	res := f.orch.Ask(context.Background(), req, rec.emit)

	assert.Equal(t, service.OutcomeBlockedInput, res.Outcome)
	events := rec.all()
	require.Len(t, events, 3)
	assert.IsType(t, model.Meta{}, events[0])
	assert.Equal(t, model.SafetyBlock{Where: model.SafetyInput}, events[1])
	assert.Equal(t, model.Done{}, events[2])
	assert.Zero(t, src.Opened())
	assert.Empty(t, f.historyFor(t, "dev-1"))
}

func TestAsk_CancelMidStreamHasNoDone(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"第一句话。", "第二句话。", "第三句话。"}}
	f := newFixture(t, src, general, nil)
	rec := &recorder{}
	rec.onEvent = func(ev model.Event) error {
		if _, ok := ev.(model.TextDelta); ok {
			f.registry.Cancel("req-1", registry.ReasonClient)
		}
		return nil
	}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeCancelled, res.Outcome)
	assert.False(t, rec.done())
	assert.Equal(t, []string{"第一句话。"}, rec.deltas())
	assert.Equal(t, 1, src.streams[0].nexts)

	info, ok := f.registry.Info("req-1")
	require.True(t, ok)
	assert.Equal(t, registry.ReasonClient, info.CancelReason)
	assert.False(t, info.Active, "the slot is released when the ask stops")
}

func TestAsk_CancelledBeforeStartProducesNothing(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"x"}}
	f := newFixture(t, src, general, nil)
	f.registry.Cancel("req-1", registry.ReasonClient)
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeCancelled, res.Outcome)
	assert.Empty(t, rec.all())
	assert.Zero(t, src.Opened())
}

func TestAsk_NewRequestSupersedesRunningOne(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"慢慢说"}, block: true}
	f := newFixture(t, src, general, nil)

	first := &recorder{}
	started := make(chan struct{})
	var once sync.Once
	first.onEvent = func(ev model.Event) error {
		if _, ok := ev.(model.TextDelta); ok {
			once.Do(func() { close(started) })
		}
		return nil
	}

	var wg sync.WaitGroup
	var firstRes service.Result
	wg.Add(1)
	go func() {
		defer wg.Done()
		firstRes = f.orch.Ask(context.Background(), ask("req-a", "第一个问题"), first.emit)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first ask never streamed")
	}

	src.mu.Lock()
	src.block = false
	src.fragments = []string{"第二个回答。"}
	src.mu.Unlock()

	second := &recorder{}
	secondRes := f.orch.Ask(context.Background(), ask("req-b", "第二个问题"), second.emit)
	wg.Wait()

	assert.Equal(t, service.OutcomeCancelled, firstRes.Outcome)
	assert.False(t, first.done())
	info, _ := f.registry.Info("req-a")
	assert.Equal(t, registry.ReasonSuperseded, info.CancelReason)

	assert.Equal(t, service.OutcomeCompleted, secondRes.Outcome)
	assertWellFormed(t, second.all())
}

func TestAsk_FastPath(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"不该出现"}}
	cls := fakeClassifier{res: intent.Result{Label: config.IntentWayfinding, Confidence: 0.9, Matched: []string{"洗手间"}, Reason: intent.ReasonKeyword}}
	f := newFixture(t, src, cls, nil)
	rec := &recorder{}
	req := ask("req-1", "洗手间在哪")
	req.Persist = true

	res := f.orch.Ask(context.Background(), req, rec.emit)

	canned := config.DefaultPolicy().FastPath.Answers[config.IntentWayfinding]
	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, model.ModeFastPath, res.Mode)
	assert.Equal(t, []string{canned}, rec.deltas())
	assert.NotEmpty(t, rec.segments())
	assertWellFormed(t, rec.all())
	assert.Zero(t, src.Opened())

	recs := f.historyFor(t, "dev-1")
	require.Len(t, recs, 1)
	assert.Equal(t, model.ModeFastPath, recs[0].Mode)
	assert.Equal(t, canned, recs[0].Answer)
	assert.Equal(t, "洗手间在哪", recs[0].Question)
}

func TestAsk_ClassifierFailureContinues(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"正常回答。"}}
	f := newFixture(t, src, fakeClassifier{err: errors.New("model offline")}, nil)
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	meta := rec.all()[0].(model.Meta)
	assert.Equal(t, intent.LabelUnknown, meta.Intent)
	assert.Equal(t, intent.ReasonError, meta.Reason)
}

func TestAsk_OpenFailureDegradesToMessage(t *testing.T) {
	t.Parallel()
	src := &fakeSource{openErr: errBackend}
	f := newFixture(t, src, general, nil)
	rec := &recorder{}
	req := ask("req-1", "q")
	req.Persist = true

	res := f.orch.Ask(context.Background(), req, rec.emit)

	assert.Equal(t, service.OutcomeUpstreamError, res.Outcome)
	assert.Equal(t, []string{service.UnavailableMessage}, rec.deltas())
	assertWellFormed(t, rec.all())
	assert.Empty(t, f.historyFor(t, "dev-1"))
}

func TestAsk_MidStreamFailureAppendsMessage(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"部分回答"}, streamErr: errBackend}
	f := newFixture(t, src, general, nil)
	rec := &recorder{}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeUpstreamError, res.Outcome)
	assert.Equal(t, []string{"部分回答", service.InterruptedMessage}, rec.deltas())
	assertWellFormed(t, rec.all())
}

func TestAsk_DisconnectCancelsWithoutErrorEvent(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"第一句。", "第二句。"}}
	f := newFixture(t, src, general, nil)
	rec := &recorder{}
	rec.onEvent = func(ev model.Event) error {
		if _, ok := ev.(model.TextDelta); ok {
			return errors.New("broken pipe")
		}
		return nil
	}

	res := f.orch.Ask(context.Background(), ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeDisconnected, res.Outcome)
	require.Len(t, rec.all(), 1, "only Meta was delivered")
	info, ok := f.registry.Info("req-1")
	require.True(t, ok)
	assert.Equal(t, registry.ReasonDisconnect, info.CancelReason)
}

func TestAsk_ContextCancelledIsDisconnect(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"开始"}, block: true}
	f := newFixture(t, src, general, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	rec.onEvent = func(ev model.Event) error {
		if _, ok := ev.(model.TextDelta); ok {
			cancel()
		}
		return nil
	}

	res := f.orch.Ask(ctx, ask("req-1", "q"), rec.emit)

	assert.Equal(t, service.OutcomeDisconnected, res.Outcome)
	assert.False(t, rec.done())
	info, _ := f.registry.Info("req-1")
	assert.Equal(t, registry.ReasonDisconnect, info.CancelReason)
}

func TestAsk_CacheReadThrough(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"展厅九点开门。"}}
	f := newFixture(t, src, general, nil)

	first := &recorder{}
	res := f.orch.Ask(context.Background(), ask("req-1", "展厅几点开门？"), first.emit)
	require.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, model.ModeChat, res.Mode)

	second := &recorder{}
	req := ask("req-2", "展厅几点开门")
	req.Persist = true
	res = f.orch.Ask(context.Background(), req, second.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, model.ModeCache, res.Mode)
	assert.Equal(t, []string{"展厅九点开门。"}, second.deltas())
	assertWellFormed(t, second.all())
	assert.Equal(t, 1, src.Opened())

	recs := f.historyFor(t, "dev-1")
	require.Len(t, recs, 1)
	assert.Equal(t, model.ModeCache, recs[0].Mode)
}

func TestAsk_CacheBypassedForAgentAndConversation(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"回答。"}}
	f := newFixture(t, src, general, nil)

	agentReq := ask("req-1", "同一个问题")
	agentReq.AgentID = "guide"
	res := f.orch.Ask(context.Background(), agentReq, (&recorder{}).emit)
	assert.Equal(t, model.ModeAgent, res.Mode)
	assert.True(t, src.agent)

	convReq := ask("req-2", "同一个问题")
	convReq.ConversationContext = "tour-7"
	f.orch.Ask(context.Background(), convReq, (&recorder{}).emit)
	assert.Equal(t, "tour-7", src.LastSession().ConversationContext)

	plain := ask("req-3", "同一个问题")
	res = f.orch.Ask(context.Background(), plain, (&recorder{}).emit)
	assert.Equal(t, model.ModeChat, res.Mode, "agent and conversation answers are never cached")
	assert.Equal(t, 3, src.Opened())
}

func TestAsk_RateLimited(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"回答。"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.RateLimits[model.KindAsk] = config.KindPolicy{Limit: 1, WindowS: 60}
		p.Cache.Enabled = false
	})

	f.orch.Ask(context.Background(), ask("req-1", "q"), (&recorder{}).emit)
	rec := &recorder{}
	res := f.orch.Ask(context.Background(), ask("req-2", "q"), rec.emit)

	assert.Equal(t, service.OutcomeRateLimited, res.Outcome)
	assert.Equal(t, []string{service.RateLimitedMessage}, rec.deltas())
	assertWellFormed(t, rec.all())
	meta := rec.all()[0].(model.Meta)
	assert.Equal(t, "rate_limited", meta.Reason)
	assert.Equal(t, 1, src.Opened())
	_, ok := f.registry.Info("req-2")
	assert.False(t, ok, "a denied ask creates no ticket")
}

func TestAsk_IntroStripping(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"您好，我是导览员小智。", "这里是一号展厅。"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Constraints.NoSelfIntro = true
	})
	rec := &recorder{}
	req := ask("req-1", "这是哪里")
	req.Persist = true

	res := f.orch.Ask(context.Background(), req, rec.emit)

	assert.Equal(t, service.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "这里是一号展厅。", strings.Join(rec.deltas(), ""))
	assertWellFormed(t, rec.all())
	recs := f.historyFor(t, "dev-1")
	require.Len(t, recs, 1)
	assert.Equal(t, "这里是一号展厅。", recs[0].Answer)
	assert.Equal(t, model.ModeChat, recs[0].Mode)
}

func TestAsk_GuideDirectiveReplacesConstraints(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"这是一段很长的讲解。"}}
	f := newFixture(t, src, general, func(p *config.Policy) {
		p.Constraints.MaxAnswerChars = 3
	})
	req := ask("req-1", "介绍这件展品")
	req.Guide = model.Guide{Enabled: true, Style: "活泼", DurationS: 45, StopName: "青铜馆", Continuous: true}
	rec := &recorder{}

	f.orch.Ask(context.Background(), req, rec.emit)

	q := src.LastSession().Question
	assert.Contains(t, q, "【讲解要求】")
	assert.Contains(t, q, "风格：活泼")
	assert.Contains(t, q, "适中")
	assert.Contains(t, q, "青铜馆")
	assert.NotContains(t, q, "【回答要求】")
	assert.Equal(t, "这是一段很长的讲解。", strings.Join(rec.deltas(), ""), "constraints do not apply to guided asks")
}

func TestAsk_UnknownKindIsRejected(t *testing.T) {
	t.Parallel()
	src := &fakeSource{fragments: []string{"好的。"}}
	f := newFixture(t, src, general, nil)

	for i := 0; i < 5; i++ {
		req := ask(fmt.Sprintf("req-x%d", i), "展厅几点开门")
		req.Kind = fmt.Sprintf("x%d", i)
		rec := &recorder{}
		res := f.orch.Ask(context.Background(), req, rec.emit)

		assert.Equal(t, service.OutcomeRejected, res.Outcome)
		assert.Empty(t, rec.all())
		_, ok := f.registry.Info(req.RequestID)
		assert.False(t, ok, "a rejected ask holds no ticket")
	}

	assert.True(t, f.orch.AcceptsKind(""))
	assert.True(t, f.orch.AcceptsKind(model.KindPrefetch))
	assert.False(t, f.orch.AcceptsKind("x0"))
	assert.Zero(t, src.opened)
}
