package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/pipeline"
	"github.com/xaenox/lexrelay/internal/ratelimit"
	"github.com/xaenox/lexrelay/internal/retry"
	"github.com/xaenox/lexrelay/internal/search"
	"github.com/xaenox/lexrelay/internal/session"
	"github.com/xaenox/lexrelay/internal/storage"
	"github.com/xaenox/lexrelay/internal/supervisor"
	"go.uber.org/zap/zaptest"
)

const systemPrompt = "你是一個法律AI助理。"

type sent struct {
	to   string
	text string
}

type fakeMessenger struct {
	mu      sync.Mutex
	replies []sent
	pushes  []sent
}

func (m *fakeMessenger) Reply(_ context.Context, token, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sent{to: token, text: text})
	return nil
}

func (m *fakeMessenger) Push(_ context.Context, userID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = append(m.pushes, sent{to: userID, text: text})
	return nil
}

func (m *fakeMessenger) replyTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.replies {
		out = append(out, r.text)
	}
	return out
}

func (m *fakeMessenger) pushTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, p := range m.pushes {
		out = append(out, p.text)
	}
	return out
}

// scriptedGenerator returns replies in order and records every history it saw.
type scriptedGenerator struct {
	mu        sync.Mutex
	replies   []string
	errs      []error
	histories [][]models.ChatMessage
}

func (g *scriptedGenerator) Generate(_ context.Context, history []models.ChatMessage) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := len(g.histories)
	g.histories = append(g.histories, history)
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return "", errors.New("no scripted reply")
}

type startRecorder struct {
	queries []string
	err     error
}

func (s *startRecorder) Start(userID, query string) (string, error) {
	s.queries = append(s.queries, query)
	return "run-1", s.err
}

type harness struct {
	orch       *Orchestrator
	sessions   *session.Store
	messenger  *fakeMessenger
	generator  *scriptedGenerator
	starter    *startRecorder
	transcript *storage.MemoryStorage
}

func newHarness(t *testing.T, maxPerMinute int, gen *scriptedGenerator) *harness {
	logger := zaptest.NewLogger(t)
	h := &harness{
		sessions:   session.NewStore(session.Config{SystemPrompt: systemPrompt, MaxHistory: 20}, logger),
		messenger:  &fakeMessenger{},
		generator:  gen,
		starter:    &startRecorder{},
		transcript: storage.NewMemoryStorage(),
	}
	h.orch = NewOrchestrator(Deps{
		Sessions:   h.sessions,
		Limiter:    ratelimit.New(maxPerMinute, 0),
		Generator:  gen,
		Search:     h.starter,
		Messenger:  h.messenger,
		Transcript: h.transcript,
	}, DefaultTexts(), logger)
	return h
}

func event(text string) models.Event {
	return models.Event{UserID: "U1", Text: text, ReplyToken: "tok-" + text}
}

func TestOrchestrator_DirectAnswer(t *testing.T) {
	h := newHarness(t, 10, &scriptedGenerator{replies: []string{"依民法第184條處理。"}})

	h.orch.Handle(context.Background(), event("車禍怎麼辦？"))

	assert.Equal(t, []string{"依民法第184條處理。"}, h.messenger.replyTexts())
	assert.Empty(t, h.messenger.pushTexts())
	assert.Empty(t, h.starter.queries)

	history := h.sessions.GetOrCreate("U1")
	require.Len(t, history, 3)
	assert.Equal(t, models.ChatMessage{Role: models.RoleUser, Content: "車禍怎麼辦？"}, history[1])
	assert.Equal(t, models.ChatMessage{Role: models.RoleAssistant, Content: "依民法第184條處理。"}, history[2])

	require.Len(t, h.generator.histories, 1)
	assert.Equal(t, history[:2], h.generator.histories[0])

	recorded, err := h.transcript.GetUserMessages(context.Background(), "U1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, recorded, 2)
}

func TestOrchestrator_ResetCommand(t *testing.T) {
	h := newHarness(t, 10, &scriptedGenerator{replies: []string{"a1"}})
	h.orch.Handle(context.Background(), event("q1"))

	h.orch.Handle(context.Background(), models.Event{UserID: "U1", Text: "  開始新對話 ", ReplyToken: "tok-reset"})

	assert.Equal(t, DefaultTexts().ResetDone, h.messenger.replyTexts()[1])
	history := h.sessions.GetOrCreate("U1")
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleSystem, history[0].Role)
	assert.Len(t, h.generator.histories, 1, "reset must not call the generator")
}

func TestOrchestrator_ResetIsNotRateLimited(t *testing.T) {
	h := newHarness(t, 1, &scriptedGenerator{replies: []string{"a1"}})
	h.orch.Handle(context.Background(), event("q1"))
	h.orch.Handle(context.Background(), event("開始新對話"))

	assert.Equal(t, []string{"a1", DefaultTexts().ResetDone}, h.messenger.replyTexts())
}

func TestOrchestrator_RateLimited(t *testing.T) {
	h := newHarness(t, 2, &scriptedGenerator{replies: []string{"a1", "a2", "a3"}})

	for _, q := range []string{"q1", "q2", "q3"} {
		h.orch.Handle(context.Background(), event(q))
	}

	assert.Equal(t, []string{"a1", "a2", DefaultTexts().RateLimited}, h.messenger.replyTexts())
	assert.Len(t, h.generator.histories, 2)
	assert.Len(t, h.sessions.GetOrCreate("U1"), 5, "denied message is not added to the session")
}

func TestOrchestrator_GenerationFailure(t *testing.T) {
	unavailable := &retry.UnavailableError{Op: "generate", Attempts: 3, Err: errors.New("timeout")}
	h := newHarness(t, 10, &scriptedGenerator{errs: []error{unavailable}})

	h.orch.Handle(context.Background(), event("q1"))

	assert.Equal(t, []string{DefaultTexts().Apology}, h.messenger.replyTexts())
	history := h.sessions.GetOrCreate("U1")
	require.Len(t, history, 2, "user message kept, no assistant entry")
	assert.Equal(t, models.RoleUser, history[1].Role)
}

func TestOrchestrator_SearchDirectiveAcknowledgesAndHandsOff(t *testing.T) {
	h := newHarness(t, 10, &scriptedGenerator{replies: []string{"我來查詢。\n[SEARCH] 最新法規  "}})

	h.orch.Handle(context.Background(), event("最近有什麼新法？"))

	assert.Equal(t, []string{DefaultTexts().Searching}, h.messenger.replyTexts())
	assert.Equal(t, []string{"最新法規"}, h.starter.queries)

	history := h.sessions.GetOrCreate("U1")
	assert.Equal(t, "我來查詢。\n[SEARCH] 最新法規  ", history[len(history)-1].Content)
}

func TestOrchestrator_EmptyDirectiveDeliversReplyVerbatim(t *testing.T) {
	h := newHarness(t, 10, &scriptedGenerator{replies: []string{"請再說明細節。[SEARCH]"}})

	h.orch.Handle(context.Background(), event("q"))

	assert.Equal(t, []string{"請再說明細節。[SEARCH]"}, h.messenger.replyTexts())
	assert.Empty(t, h.starter.queries)
}

func TestOrchestrator_SearchStartFailurePushesFallback(t *testing.T) {
	h := newHarness(t, 10, &scriptedGenerator{replies: []string{"[SEARCH]x"}})
	h.starter.err = supervisor.ErrStopped

	h.orch.Handle(context.Background(), event("q"))

	assert.Equal(t, []string{DefaultTexts().Searching}, h.messenger.replyTexts())
	assert.Equal(t, []string{DefaultTexts().Fallback}, h.messenger.pushTexts())
}

type panickingGenerator struct{}

func (panickingGenerator) Generate(context.Context, []models.ChatMessage) (string, error) {
	panic("unexpected nil")
}

func TestOrchestrator_PanicStillRepliesOnce(t *testing.T) {
	logger := zaptest.NewLogger(t)
	m := &fakeMessenger{}
	orch := NewOrchestrator(Deps{
		Sessions:  session.NewStore(session.Config{SystemPrompt: systemPrompt}, logger),
		Limiter:   ratelimit.New(10, 0),
		Generator: panickingGenerator{},
		Search:    &startRecorder{},
		Messenger: m,
	}, DefaultTexts(), logger)

	assert.NotPanics(t, func() { orch.Handle(context.Background(), event("q")) })
	assert.Equal(t, []string{DefaultTexts().Apology}, m.replyTexts())
}

func TestReplyOnce_SecondSendIsDropped(t *testing.T) {
	m := &fakeMessenger{}
	r := &replyOnce{messenger: m, token: "tok", logger: zaptest.NewLogger(t)}

	r.send(context.Background(), "first")
	r.send(context.Background(), "second")

	assert.Equal(t, []string{"first"}, m.replyTexts())
}

type fakeSearcher struct {
	result search.Result
	err    error
}

func (f fakeSearcher) Search(context.Context, string, string) (search.Result, error) {
	return f.result, f.err
}

// Reset, then a question that triggers a search: one acknowledgment reply,
// then progress pushes and exactly one final answer push.
func TestOrchestrator_EndToEndSearch(t *testing.T) {
	logger := zaptest.NewLogger(t)
	sessions := session.NewStore(session.Config{SystemPrompt: systemPrompt, MaxHistory: 20}, logger)
	messenger := &fakeMessenger{}
	gen := &scriptedGenerator{replies: []string{
		"[SEARCH]租賃押金上限",
		"根據搜尋結果：押金不得超過兩個月租金。",
	}}
	tasks := supervisor.New(4, logger)
	searchTexts := pipeline.DefaultTexts()
	pl := pipeline.New(pipeline.Deps{
		Sessions:  sessions,
		Searcher:  fakeSearcher{result: search.Result{Output: "土地法第99條：擔保金不得超過二個月房屋租金。", Found: true}},
		Generator: gen,
		Pusher:    messenger,
		Tasks:     tasks,
	}, searchTexts, logger)
	orch := NewOrchestrator(Deps{
		Sessions:  sessions,
		Limiter:   ratelimit.New(10, 0),
		Generator: gen,
		Search:    pl,
		Messenger: messenger,
	}, DefaultTexts(), logger)

	orch.Handle(context.Background(), event("開始新對話"))
	orch.Handle(context.Background(), event("房東可以收多少押金？"))
	tasks.Wait()

	assert.Equal(t, []string{DefaultTexts().ResetDone, DefaultTexts().Searching}, messenger.replyTexts())

	pushes := messenger.pushTexts()
	require.GreaterOrEqual(t, len(pushes), 2)
	assert.Equal(t, searchTexts.Searching, pushes[0])
	assert.Equal(t, "根據搜尋結果：押金不得超過兩個月租金。", pushes[len(pushes)-1])
	for _, p := range pushes[:len(pushes)-1] {
		assert.NotEqual(t, searchTexts.Fallback, p)
	}

	require.Len(t, gen.histories, 2)
	second := gen.histories[1]
	last := second[len(second)-1]
	assert.Equal(t, models.RoleSystem, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "[SEARCH_RESULT] 土地法第99條"))

	history := sessions.GetOrCreate("U1")
	assert.Equal(t, []models.Role{
		models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleSystem, models.RoleAssistant,
	}, roles(history))
}

func roles(h []models.ChatMessage) []models.Role {
	out := make([]models.Role, len(h))
	for i, m := range h {
		out[i] = m.Role
	}
	return out
}
