package bot

import (
	"context"
	"strings"
	"sync"

	"github.com/xaenox/lexrelay/internal/directive"
	"github.com/xaenox/lexrelay/internal/generation"
	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/storage"
	"go.uber.org/zap"
)

// Messenger is the platform's outbound side: a single-use reply bound to an
// inbound event, and an unrestricted push to a user.
type Messenger interface {
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, userID, text string) error
}

// Sessions is the part of the session store the orchestrator needs.
type Sessions interface {
	GetOrCreate(userID string) []models.ChatMessage
	Append(userID string, role models.Role, content string)
	Reset(userID string)
	Snapshot(userID string) ([]models.ChatMessage, bool)
}

type RateLimiter interface {
	Allow(userID string) bool
}

// SearchStarter hands a search directive off to the background pipeline.
type SearchStarter interface {
	Start(userID, query string) (runID string, err error)
}

type Texts struct {
	ResetCommand string
	ResetDone    string
	RateLimited  string
	Apology      string
	Searching    string
	// Fallback is pushed when a search could not be scheduled after the acknowledgment.
	Fallback string
}

func DefaultTexts() Texts {
	return Texts{
		ResetCommand: "開始新對話",
		ResetDone:    "已開始新的對話！請輸入您的法律問題。",
		RateLimited:  "您的訊息太頻繁了，請稍後再試。",
		Apology:      "抱歉，系統暫時無法回應，請稍後再試。",
		Searching:    "正在為您搜尋相關資訊，請稍候...",
		Fallback:     "抱歉，搜尋資料時發生問題，請稍後再試一次。",
	}
}

type Deps struct {
	Sessions   Sessions
	Limiter    RateLimiter
	Generator  generation.Generator
	Search     SearchStarter
	Messenger  Messenger
	Transcript storage.Storage // optional
}

// Orchestrator turns one inbound event into exactly one synchronous reply,
// handing search directives to the background pipeline.
type Orchestrator struct {
	sessions   Sessions
	limiter    RateLimiter
	generator  generation.Generator
	search     SearchStarter
	messenger  Messenger
	transcript storage.Storage
	texts      Texts
	logger     *zap.Logger
}

func NewOrchestrator(deps Deps, texts Texts, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sessions:   deps.Sessions,
		limiter:    deps.Limiter,
		generator:  deps.Generator,
		search:     deps.Search,
		messenger:  deps.Messenger,
		transcript: deps.Transcript,
		texts:      texts,
		logger:     logger,
	}
}

// IsReset reports whether text is the new-conversation command.
func (o *Orchestrator) IsReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), o.texts.ResetCommand)
}

// Handle processes ev. It never panics on backend failure and always
// consumes ev's reply token exactly once.
func (o *Orchestrator) Handle(ctx context.Context, ev models.Event) {
	logger := o.logger.With(zap.String("user_id", ev.UserID))
	reply := &replyOnce{messenger: o.messenger, token: ev.ReplyToken, logger: logger}
	defer reply.ensure(ctx, o.texts.Apology)

	if o.IsReset(ev.Text) {
		o.sessions.Reset(ev.UserID)
		logger.Info("Conversation reset")
		reply.send(ctx, o.texts.ResetDone)
		return
	}

	if !o.limiter.Allow(ev.UserID) {
		logger.Info("Rate limit exceeded")
		reply.send(ctx, o.texts.RateLimited)
		return
	}

	o.sessions.Append(ev.UserID, models.RoleUser, ev.Text)
	o.record(ctx, logger, ev.UserID, models.RoleUser, ev.Text)

	answer, err := o.generator.Generate(ctx, o.sessions.GetOrCreate(ev.UserID))
	if err != nil {
		logger.Error("Generation failed", zap.Error(err))
		reply.send(ctx, o.texts.Apology)
		return
	}

	o.sessions.Append(ev.UserID, models.RoleAssistant, answer)
	o.record(ctx, logger, ev.UserID, models.RoleAssistant, answer)

	d := directive.Parse(answer)
	if d.Kind != directive.Search {
		reply.send(ctx, answer)
		return
	}

	logger.Debug("Search directive found",
		zap.Stringer("kind", d.Kind),
		zap.String("query", d.Query))
	reply.send(ctx, o.texts.Searching)
	runID, err := o.search.Start(ev.UserID, d.Query)
	if err != nil {
		logger.Error("Failed to start search pipeline", zap.Error(err))
		if err := o.messenger.Push(ctx, ev.UserID, o.texts.Fallback); err != nil {
			logger.Error("Failed to push fallback message", zap.Error(err))
		}
		return
	}
	logger.Info("Search pipeline started", zap.String("run_id", runID))
}

func (o *Orchestrator) record(ctx context.Context, logger *zap.Logger, userID string, role models.Role, content string) {
	if o.transcript == nil {
		return
	}
	msg := &models.Message{UserID: userID, Role: role, Content: content}
	if err := o.transcript.SaveMessage(ctx, msg); err != nil {
		logger.Warn("Failed to record message", zap.Error(err), zap.String("role", string(role)))
	}
}

// replyOnce guards the single-use reply token.
type replyOnce struct {
	messenger Messenger
	token     string
	logger    *zap.Logger

	mu   sync.Mutex
	used bool
}

func (r *replyOnce) send(ctx context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		r.logger.Error("Reply token already used, dropping message")
		return
	}
	r.used = true
	if err := r.messenger.Reply(ctx, r.token, text); err != nil {
		r.logger.Error("Failed to send reply", zap.Error(err))
	}
}

// ensure replies with text if nothing was sent, e.g. after a recovered panic.
func (r *replyOnce) ensure(ctx context.Context, text string) {
	if p := recover(); p != nil {
		r.logger.Error("Panic while handling event", zap.Any("panic", p))
	}
	r.mu.Lock()
	used := r.used
	r.mu.Unlock()
	if !used {
		r.send(ctx, text)
	}
}
