package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"finance-agent/internal/domain"
	"finance-agent/internal/guard"
	"finance-agent/internal/tools"
)

const (
	defaultMaxIterations = 10
	defaultMaxMessage    = 2000

	StatusSuccess            = "success"
	StatusNeedsClarification = "needs_clarification"
)

type Reasoner interface {
	Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ModelReply, error)
}

type ToolExecutor interface {
	Specs() []domain.ToolSpec
	Has(name string) bool
	Execute(ctx context.Context, scope tools.Scope, call domain.ToolCall) (tools.Result, error)
}

type StateReadWriter interface {
	LoadThread(ctx context.Context, key domain.ThreadKey) (domain.ConversationState, error)
	AppendMessage(ctx context.Context, key domain.ThreadKey, seq int, msg domain.Message) error
}

// Invoker bounds each model round-trip.
type Invoker interface {
	Do(ctx context.Context, fn func(context.Context) error) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type ChatConfig struct {
	DefaultTimezone string
	Currency        string
	MaxIterations   int
	MaxMessageLen   int
}

// ChatService runs the agent loop: reason, optionally execute one tool, repeat
// until the model answers or the iteration bound is hit. Every appended
// message is checkpointed before the loop moves on.
type ChatService struct {
	llm     Reasoner
	tools   ToolExecutor
	state   StateReadWriter
	invoker Invoker
	cfg     ChatConfig
	logger  *slog.Logger
	now     func() time.Time

	busyMu sync.Mutex
	busy   map[domain.ThreadKey]struct{}
}

type ChatInput struct {
	UserID   string
	ThreadID string
	Timezone string
	Message  string
}

type ChatOutput struct {
	UserID    string
	ThreadID  string
	Message   string
	Reply     string
	Status    string
	Timestamp time.Time
}

type ChatOption func(*ChatService)

func WithChatClock(now func() time.Time) ChatOption {
	return func(s *ChatService) {
		s.now = now
	}
}

func NewChatService(llm Reasoner, t ToolExecutor, s StateReadWriter, inv Invoker, cfg ChatConfig, logger *slog.Logger, opts ...ChatOption) (*ChatService, error) {
	if llm == nil {
		return nil, errors.New("usecase: reasoner must not be nil")
	}
	if t == nil {
		return nil, errors.New("usecase: tool executor must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if inv == nil {
		return nil, errors.New("usecase: invoker must not be nil")
	}
	cfg.DefaultTimezone = strings.TrimSpace(cfg.DefaultTimezone)
	if _, err := time.LoadLocation(cfg.DefaultTimezone); err != nil || cfg.DefaultTimezone == "" {
		return nil, errors.New("usecase: default timezone must be a valid IANA name")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc := &ChatService{
		llm:     llm,
		tools:   t,
		state:   s,
		invoker: inv,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		busy:    make(map[domain.ThreadKey]struct{}),
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// turn is the in-memory view of one external call on a thread.
type turn struct {
	key   domain.ThreadKey
	scope tools.Scope
	state domain.ConversationState
	req   domain.ReasoningRequest
}

func (s *ChatService) Send(ctx context.Context, in ChatInput) (ChatOutput, error) {
	message := strings.TrimSpace(in.Message)
	if message == "" {
		return ChatOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(message) > s.cfg.MaxMessageLen {
		return ChatOutput{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	key := domain.ThreadKey{UserID: strings.TrimSpace(in.UserID), ThreadID: strings.TrimSpace(in.ThreadID)}
	if err := key.Validate(); err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "missing_thread_key", err)
	}
	timezone := strings.TrimSpace(in.Timezone)
	if timezone == "" {
		timezone = s.cfg.DefaultTimezone
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return ChatOutput{}, newError(ErrorInvalidInput, "invalid_timezone", err)
	}

	if !s.acquire(key) {
		return ChatOutput{}, newError(ErrorThreadBusy, "thread_busy", nil)
	}
	defer s.release(key)

	state, err := s.state.LoadThread(ctx, key)
	if err != nil {
		return ChatOutput{}, newError(ErrorInternal, "state_load_error", err)
	}
	state.Key = key

	t := &turn{
		key:   key,
		scope: tools.Scope{UserID: key.UserID, Timezone: timezone},
		state: state,
	}
	if err := s.append(ctx, t, domain.Message{Role: domain.RoleUser, Content: message}); err != nil {
		return ChatOutput{}, err
	}

	s.logger.InfoContext(ctx, "chat turn started",
		"user_id", key.UserID,
		"thread_id", key.ThreadID,
		"history", len(t.state.Messages)-1,
	)

	reply, status, err := s.run(ctx, t, loc)
	if err != nil {
		return ChatOutput{}, err
	}
	return ChatOutput{
		UserID:    key.UserID,
		ThreadID:  key.ThreadID,
		Message:   message,
		Reply:     reply,
		Status:    status,
		Timestamp: s.now().UTC(),
	}, nil
}

func (s *ChatService) run(ctx context.Context, t *turn, loc *time.Location) (string, string, error) {
	specs := s.tools.Specs()
	for iteration := 1; iteration <= s.cfg.MaxIterations; iteration++ {
		t.req = domain.ReasoningRequest{
			System: []string{
				buildDirective(),
				buildContext(t.scope.Timezone, s.cfg.Currency, s.now().In(loc)),
			},
			Messages: t.state.Messages,
			Tools:    specs,
		}

		reply, err := s.reason(ctx, t.req)
		if err != nil {
			s.logger.ErrorContext(ctx, "reasoning failed", "thread", t.key.String(), "iteration", iteration, "err", err)
			return "", "", classifyModelError(err)
		}
		s.logger.DebugContext(ctx, "model replied",
			"thread", t.key.String(),
			"iteration", iteration,
			"kind", reply.Kind.String(),
			"tool", reply.Call.Name,
		)

		switch reply.Kind {
		case domain.ReplyFinalText:
			text := reply.Text()
			if text == "" {
				return "", "", newError(ErrorUpstream, "llm_empty_reply", nil)
			}
			if err := s.append(ctx, t, domain.Message{Role: domain.RoleAgent, Content: text}); err != nil {
				return "", "", err
			}
			return text, StatusSuccess, nil

		case domain.ReplyToolCall:
			question, err := s.executeTool(ctx, t, reply.Call)
			if err != nil {
				return "", "", err
			}
			if question != "" {
				if err := s.append(ctx, t, domain.Message{Role: domain.RoleAgent, Content: question}); err != nil {
					return "", "", err
				}
				return question, StatusNeedsClarification, nil
			}

		default:
			return "", "", newError(ErrorUpstream, "llm_malformed_reply", nil)
		}
	}

	s.logger.WarnContext(ctx, "agent loop exhausted", "thread", t.key.String(), "max_iterations", s.cfg.MaxIterations)
	return "", "", newError(ErrorLoopExhausted, "max_iterations", nil)
}

// reason runs one model round-trip through the invoker. The reply is only
// read after the invoker returns successfully.
func (s *ChatService) reason(ctx context.Context, req domain.ReasoningRequest) (domain.ModelReply, error) {
	var reply domain.ModelReply
	err := s.invoker.Do(ctx, func(ctx context.Context) error {
		r, err := s.llm.Reason(ctx, req)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})
	return reply, err
}

// executeTool runs one requested tool and checkpoints both the request and
// its result. It returns a clarification question when the turn must stop.
func (s *ChatService) executeTool(ctx context.Context, t *turn, call domain.ToolCall) (string, error) {
	if !s.tools.Has(call.Name) {
		s.logger.ErrorContext(ctx, "model requested unknown tool", "thread", t.key.String(), "tool", call.Name)
		return "", newError(ErrorUnknownTool, "unknown_tool", tools.ErrUnknownTool)
	}
	if strings.TrimSpace(call.ID) == "" {
		call.ID = newCallID()
	}
	if err := s.append(ctx, t, domain.Message{Role: domain.RoleAgent, ToolCall: &call}); err != nil {
		return "", err
	}

	result, err := s.tools.Execute(ctx, t.scope, call)
	switch {
	case err == nil:
	case errors.Is(err, tools.ErrInvalidArguments):
		s.logger.WarnContext(ctx, "tool rejected arguments", "tool", call.Name, "err", err)
		result = tools.Result{Content: tools.ErrorPayload(err)}
	case errors.Is(err, tools.ErrUnknownTool):
		return "", newError(ErrorUnknownTool, "unknown_tool", err)
	default:
		s.logger.ErrorContext(ctx, "tool execution failed", "thread", t.key.String(), "tool", call.Name, "err", err)
		// keep the thread well formed: every tool call is followed by its result
		failed := domain.Message{Role: domain.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: `{"error":"tool execution failed"}`}
		if appendErr := s.append(ctx, t, failed); appendErr != nil {
			return "", appendErr
		}
		if isRateLimited(err) {
			return "", newError(ErrorRateLimited, call.Name+"_rate_limited", err)
		}
		return "", newError(ErrorToolExecution, call.Name+"_failed", err)
	}

	msg := domain.Message{Role: domain.RoleTool, ToolCallID: call.ID, ToolName: call.Name, Content: result.Content}
	if err := s.append(ctx, t, msg); err != nil {
		return "", err
	}
	return result.Clarification, nil
}

func (s *ChatService) append(ctx context.Context, t *turn, msg domain.Message) error {
	seq := t.state.Append(msg)
	if err := s.state.AppendMessage(ctx, t.key, seq, msg); err != nil {
		t.state.Messages = t.state.Messages[:seq]
		return newError(ErrorInternal, "state_write_error", err)
	}
	return nil
}

func (s *ChatService) acquire(key domain.ThreadKey) bool {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	if _, ok := s.busy[key]; ok {
		return false
	}
	s.busy[key] = struct{}{}
	return true
}

func (s *ChatService) release(key domain.ThreadKey) {
	s.busyMu.Lock()
	defer s.busyMu.Unlock()
	delete(s.busy, key)
}

func classifyModelError(err error) *Error {
	switch {
	case errors.Is(err, guard.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorReasoningTimeout, "reasoning_timeout", err)
	case isRateLimited(err):
		return newError(ErrorRateLimited, "llm_rate_limited", err)
	default:
		return newError(ErrorUpstream, "llm_error", err)
	}
}

func isRateLimited(err error) bool {
	status, ok := upstreamStatusCode(err)
	return ok && status == 429
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

var newCallID = func() string {
	return "call_" + uuid.NewString()
}
