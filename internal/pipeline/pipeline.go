// Package pipeline runs the background search flow: search the knowledge
// backend, fold the result into the user's session, ask the generation
// backend again and push the answer. Every run ends with exactly one terminal
// push to the user, either the answer or a fallback notice.
//
// Runs for the same user are queued in arrival order and drained by a single
// background task, so a second run starts only after the first reaches a
// terminal state and works on the session as the first left it. A queued run
// holds no concurrency slot.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/xaenox/lexrelay/internal/generation"
	"github.com/xaenox/lexrelay/internal/models"
	"github.com/xaenox/lexrelay/internal/retry"
	"github.com/xaenox/lexrelay/internal/search"
	"github.com/xaenox/lexrelay/internal/shard"
	"github.com/xaenox/lexrelay/internal/storage"
	"github.com/xaenox/lexrelay/internal/supervisor"
	"go.uber.org/zap"
)

// Pusher delivers messages to a user outside any request/response cycle.
type Pusher interface {
	Push(ctx context.Context, userID, text string) error
}

// Sessions is the part of the session store the pipeline needs.
type Sessions interface {
	GetOrCreate(userID string) []models.ChatMessage
	Append(userID string, role models.Role, content string)
}

// Texts are the user-facing strings a run pushes.
type Texts struct {
	Searching    string
	Integrating  string
	Fallback     string
	NoResult     string
	ResultMarker string
}

func DefaultTexts() Texts {
	return Texts{
		Searching:    "開始搜尋資料…",
		Integrating:  "已取得搜尋結果，正在整理回覆…",
		Fallback:     "抱歉，搜尋資料時發生問題，請稍後再試一次。",
		NoResult:     "未找到相關結果。",
		ResultMarker: "[SEARCH_RESULT] ",
	}
}

// Task is one run's input. It holds no history: the session store stays the
// only owner of conversation state.
type Task struct {
	RunID  string
	UserID string
	Query  string
}

type Deps struct {
	Sessions   Sessions
	Searcher   search.Searcher
	Generator  generation.Generator
	Pusher     Pusher
	Tasks      *supervisor.Supervisor
	Transcript storage.Storage // optional
}

type Pipeline struct {
	sessions   Sessions
	searcher   search.Searcher
	generator  generation.Generator
	pusher     Pusher
	tasks      *supervisor.Supervisor
	transcript storage.Storage
	queues     *shard.Map[[]Task]
	locks      *shard.Locker
	texts      Texts
	logger     *zap.Logger
}

func New(deps Deps, texts Texts, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		sessions:   deps.Sessions,
		searcher:   deps.Searcher,
		generator:  deps.Generator,
		pusher:     deps.Pusher,
		tasks:      deps.Tasks,
		transcript: deps.Transcript,
		queues:     shard.NewMap[[]Task](0),
		locks:      shard.NewLocker(),
		texts:      texts,
		logger:     logger,
	}
}

// Start queues a run for userID and returns its id without waiting. The
// first run of an idle user schedules a drain task; later runs join its queue.
func (p *Pipeline) Start(userID, query string) (string, error) {
	task := Task{RunID: uuid.New().String(), UserID: userID, Query: query}

	var err error
	p.queues.Do(userID, func(queue []Task, draining bool) ([]Task, bool) {
		if draining {
			return append(queue, task), true
		}
		err = p.tasks.Go("search-pipeline", func(ctx context.Context) {
			p.drain(ctx, userID)
		})
		if err != nil {
			return nil, false
		}
		return []Task{task}, true
	})
	if err != nil {
		return "", fmt.Errorf("failed to schedule search pipeline: %w", err)
	}
	return task.RunID, nil
}

// drain runs userID's queued tasks in order until the queue is empty.
func (p *Pipeline) drain(ctx context.Context, userID string) {
	for {
		task, ok := p.next(userID)
		if !ok {
			return
		}
		p.Run(ctx, task)
	}
}

// next pops userID's oldest queued task. An empty queue is removed, which
// ends the drain; a Start arriving later schedules a new one.
func (p *Pipeline) next(userID string) (task Task, ok bool) {
	p.queues.Do(userID, func(queue []Task, exists bool) ([]Task, bool) {
		if !exists || len(queue) == 0 {
			return nil, false
		}
		task, ok = queue[0], true
		return queue[1:], true
	})
	return task, ok
}

type run struct {
	Task
	state  State
	logger *zap.Logger
}

func (r *run) to(next State) {
	if !CanTransition(r.state, next) {
		// A programming error, not a runtime condition.
		r.logger.DPanic("Invalid pipeline transition",
			zap.Stringer("from", r.state),
			zap.Stringer("to", next))
	}
	r.logger.Debug("Pipeline transition",
		zap.Stringer("from", r.state),
		zap.Stringer("to", next))
	r.state = next
}

// Run executes task to completion and returns the terminal state. Runs for
// the same user never overlap. A panic during the run is recovered and ends
// it as failed, so the user still gets the fallback.
func (p *Pipeline) Run(ctx context.Context, task Task) (final State) {
	r := &run{
		Task:  task,
		state: StatePending,
		logger: p.logger.With(
			zap.String("run_id", task.RunID),
			zap.String("user_id", task.UserID)),
	}

	unlock := p.locks.Lock(task.UserID)
	defer unlock()

	defer func() {
		v := recover()
		if v == nil {
			return
		}
		r.logger.Error("Search pipeline panicked", zap.Any("panic", v), zap.Stack("stack"))
		if r.state.Terminal() {
			final = r.state
			return
		}
		if r.state == StatePending {
			r.to(StateSearching)
		}
		final = p.fail(ctx, r, fmt.Errorf("search pipeline panicked: %v", v))
	}()

	r.to(StateSearching)
	p.push(ctx, r, p.texts.Searching)

	result, err := p.searcher.Search(ctx, task.Query, task.UserID)
	if err != nil {
		return p.fail(ctx, r, err)
	}

	r.to(StateIntegrating)
	text := result.Output
	if !result.Found {
		text = p.texts.NoResult
	}
	p.sessions.Append(task.UserID, models.RoleSystem, p.texts.ResultMarker+text)
	p.push(ctx, r, p.texts.Integrating)

	r.to(StateResponding)
	answer, err := p.generator.Generate(ctx, p.sessions.GetOrCreate(task.UserID))
	if err != nil {
		return p.fail(ctx, r, err)
	}
	p.sessions.Append(task.UserID, models.RoleAssistant, answer)
	p.record(ctx, r, answer)

	if err := p.pusher.Push(ctx, task.UserID, answer); err != nil {
		r.logger.Error("Failed to push search answer", zap.Error(err))
	}
	r.to(StateDone)
	r.logger.Info("Search pipeline finished", zap.Bool("found", result.Found))
	return r.state
}

func (p *Pipeline) fail(ctx context.Context, r *run, err error) State {
	stage := r.state
	r.to(StateFailed)
	r.logger.Error("Search pipeline failed",
		zap.Stringer("stage", stage),
		zap.Bool("backend_unavailable", errors.Is(err, retry.ErrBackendUnavailable)),
		zap.Error(err))

	if pushErr := p.pusher.Push(ctx, r.UserID, p.texts.Fallback); pushErr != nil {
		r.logger.Error("Failed to push fallback message", zap.Error(pushErr))
	}
	return r.state
}

// push sends a progress notice. Delivery failures are logged and do not stop the run.
func (p *Pipeline) push(ctx context.Context, r *run, text string) {
	if err := p.pusher.Push(ctx, r.UserID, text); err != nil {
		r.logger.Warn("Failed to push progress", zap.Stringer("state", r.state), zap.Error(err))
	}
}

func (p *Pipeline) record(ctx context.Context, r *run, answer string) {
	if p.transcript == nil {
		return
	}
	msg := &models.Message{UserID: r.UserID, Role: models.RoleAssistant, Content: answer}
	if err := p.transcript.SaveMessage(ctx, msg); err != nil {
		r.logger.Warn("Failed to record answer", zap.Error(err))
	}
}
