// Package conversation drives one persona conversation from its opening
// line to the locked, completed state.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/coachbot/backend/internal/model/chat"
	"github.com/zhouzirui/coachbot/backend/internal/model/persona"
	"github.com/zhouzirui/coachbot/backend/internal/model/usage"
	"github.com/zhouzirui/coachbot/backend/internal/service/session"
	"github.com/zhouzirui/coachbot/backend/internal/service/synopsis"
)

var (
	ErrBusy             = errors.New("a reply is already being generated")
	ErrLocked           = errors.New("conversation is locked")
	ErrNotStarted       = errors.New("conversation has not started")
	ErrAlreadyStarted   = errors.New("conversation already started")
	ErrRecoveryRequired = errors.New("conversation failed; retry or reset first")
	ErrNoFailure        = errors.New("nothing to retry")
	ErrEmptyMessage     = errors.New("message is empty")
	ErrBackend          = errors.New("generation backend failed")
)

// Phase is the lifecycle position of a conversation.
type Phase string

const (
	PhaseNotStarted          Phase = "not_started"
	PhaseActive              Phase = "active"
	PhasePendingConfirmation Phase = "pending_confirmation"
	PhaseAwaitingFinalReply  Phase = "awaiting_final_reply"
	PhaseLocked              Phase = "locked"
)

// Generator produces the assistant reply for a history.
type Generator interface {
	Generate(ctx context.Context, systemPrompt string, history []chat.Turn) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, systemPrompt string, history []chat.Turn) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, systemPrompt string, history []chat.Turn) (string, error) {
	return f(ctx, systemPrompt, history)
}

// State is a read-only view of a controller.
type State struct {
	PersonaID       string             `json:"personaId"`
	Phase           Phase              `json:"phase"`
	Messages        []chat.Message     `json:"messages"`
	StartTime       *time.Time         `json:"startTime,omitempty"`
	EndTime         *time.Time         `json:"endTime,omitempty"`
	SelectedVariant string             `json:"selectedVariant,omitempty"`
	Busy            bool               `json:"busy"`
	Error           string             `json:"error,omitempty"`
	Synopsis        *synopsis.Synopsis `json:"synopsis,omitempty"`
}

// Config wires a Controller. Persona, Generator and Sessions are required.
type Config struct {
	Persona    persona.Persona
	Generator  Generator
	Sessions   *session.Store
	Ledger     LedgerSink
	Classifier Classifier
	Confirm    Confirmation

	// SystemPrompt builds the prompt for the persona and selected variant.
	SystemPrompt func(p persona.Persona, variant string) string
	Synopsis     func(p persona.Persona, messages []chat.Message, start, end time.Time) synopsis.Synopsis

	// Timeout bounds each generation call; zero disables it.
	Timeout time.Duration
	Now     func() time.Time
	NewID   func() string
	Logger  *zap.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Ledger == nil {
		cfg.Ledger = discardSink{}
	}
	if cfg.Classifier == nil {
		cfg.Classifier = NewPhraseClassifier()
	}
	if cfg.Confirm.Yes == "" {
		cfg.Confirm.Yes = DefaultYes
	}
	if cfg.Confirm.No == "" {
		cfg.Confirm.No = DefaultNo
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = func(p persona.Persona, _ string) string { return p.SystemPrompt }
	}
	if cfg.Synopsis == nil {
		cfg.Synopsis = synopsis.Generate
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
}

// Controller owns the state of one persona conversation. At most one
// generation call is in flight; the mutex is released while it runs so
// State stays readable.
type Controller struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	phase     Phase
	messages  []chat.Message
	startTime time.Time
	endTime   time.Time
	variant   string
	busy      bool
	failure   error
	synopsis  *synopsis.Synopsis
}

// NewController validates cfg and returns a controller in PhaseNotStarted.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Persona.ID == "" {
		return nil, fmt.Errorf("persona id is required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	cfg.setDefaults()

	return &Controller{
		cfg:    cfg,
		logger: cfg.Logger.Named("conversation").With(zap.String("persona", cfg.Persona.ID)),
		phase:  PhaseNotStarted,
	}, nil
}

// Persona returns the persona the controller talks as.
func (c *Controller) Persona() persona.Persona {
	return c.cfg.Persona
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := State{
		PersonaID:       c.cfg.Persona.ID,
		Phase:           c.phase,
		Messages:        append([]chat.Message{}, c.messages...),
		SelectedVariant: c.variant,
		Busy:            c.busy,
		Synopsis:        c.synopsis,
	}
	if !c.startTime.IsZero() {
		start := c.startTime
		st.StartTime = &start
	}
	if !c.endTime.IsZero() {
		end := c.endTime
		st.EndTime = &end
	}
	if c.failure != nil {
		st.Error = c.failure.Error()
	}
	return st
}

// Attach restores the persisted snapshot, if any, into a fresh controller.
// It reports whether a snapshot was restored.
func (c *Controller) Attach(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy || c.phase != PhaseNotStarted {
		return false
	}
	return c.restoreLocked(ctx)
}

func (c *Controller) restoreLocked(ctx context.Context) bool {
	snap, ok := c.cfg.Sessions.Load(ctx, c.cfg.Persona.ID)
	if !ok {
		return false
	}

	c.messages = append([]chat.Message{}, snap.Messages...)
	c.startTime = snap.StartTime
	c.variant = snap.SelectedVariant

	if snap.IsCompleted || snap.IsLocked {
		c.phase = PhaseLocked
		if snap.EndTime != nil {
			c.endTime = *snap.EndTime
		}
		c.logger.Info("restored locked conversation", zap.Int("messages", len(c.messages)))
		return true
	}

	if len(c.messages) == 0 {
		c.phase = PhaseNotStarted
		c.startTime = time.Time{}
		c.variant = ""
		return false
	}

	c.phase = PhaseActive
	if last, ok := chat.LastAssistant(c.messages); ok && c.cfg.Classifier.IsPending(last.Content) {
		c.phase = PhasePendingConfirmation
	}
	c.logger.Info("restored conversation", zap.String("phase", string(c.phase)), zap.Int("messages", len(c.messages)))
	return true
}

// Start opens the conversation with starter. The assistant reply to the
// opening line becomes the first message.
func (c *Controller) Start(ctx context.Context, starter persona.Starter) error {
	c.mu.Lock()
	if err := c.checkIdleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.phase != PhaseNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	if strings.TrimSpace(starter.Text) == "" {
		c.mu.Unlock()
		return ErrEmptyMessage
	}

	c.busy = true
	c.variant = starter.Variant
	c.startTime = c.cfg.Now()
	c.synopsis = nil
	systemPrompt := c.cfg.SystemPrompt(c.cfg.Persona, c.variant)
	c.mu.Unlock()

	reply, err := c.generate(ctx, systemPrompt, []chat.Turn{{Role: chat.RoleUser, Content: starter.Text}})

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.failure = err
		c.startTime = time.Time{}
		c.variant = ""
		c.mu.Unlock()
		c.logger.Warn("conversation start failed", zap.Error(err))
		return err
	}

	c.messages = []chat.Message{c.newMessage(chat.RoleAssistant, reply)}
	c.phase = c.classify(reply)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.cfg.Sessions.Save(ctx, snap)
	c.emit(ctx, usage.Event{
		PersonaID:   c.cfg.Persona.ID,
		DisplayName: c.cfg.Persona.Name,
		Kind:        usage.KindConversationStart,
		PromptText:  systemPrompt + " " + starter.Text,
		ReplyText:   reply,
	})
	return nil
}

// Send appends a user message and generates the reply. Answering a pending
// question with a confirmation token makes the reply the final one.
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	if err := c.checkIdleLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	switch c.phase {
	case PhaseNotStarted:
		c.mu.Unlock()
		return ErrNotStarted
	case PhaseLocked:
		c.mu.Unlock()
		return ErrLocked
	}

	prevPhase := c.phase
	final, accepted := false, false
	if c.phase == PhasePendingConfirmation {
		final, accepted = c.cfg.Confirm.match(text)
	}
	if final {
		c.phase = PhaseAwaitingFinalReply
	}

	c.messages = append(c.messages, c.newMessage(chat.RoleUser, text))
	c.busy = true
	history := chat.Turns(c.messages)
	systemPrompt := c.cfg.SystemPrompt(c.cfg.Persona, c.variant)
	promptText := systemPrompt + " " + joinContents(c.messages)
	c.mu.Unlock()

	reply, err := c.generate(ctx, systemPrompt, history)

	c.mu.Lock()
	c.busy = false
	if err != nil {
		c.failure = err
		c.phase = prevPhase
		c.mu.Unlock()
		c.logger.Warn("reply generation failed", zap.Error(err))
		return err
	}

	c.messages = append(c.messages, c.newMessage(chat.RoleAssistant, reply))
	if !final {
		c.phase = c.classify(reply)
		snap := c.snapshotLocked()
		c.mu.Unlock()

		c.cfg.Sessions.Save(ctx, snap)
		c.emitMessage(ctx, promptText, reply)
		return nil
	}

	c.phase = PhaseLocked
	c.endTime = c.cfg.Now()
	if accepted {
		syn := c.cfg.Synopsis(c.cfg.Persona, append([]chat.Message{}, c.messages...), c.startTime, c.endTime)
		c.synopsis = &syn
	}
	snap := c.snapshotLocked()
	end := c.endTime
	c.mu.Unlock()

	c.cfg.Sessions.Save(ctx, snap)
	c.cfg.Sessions.MarkCompleted(ctx, c.cfg.Persona.ID, end)
	c.logger.Info("conversation completed", zap.Bool("accepted", accepted), zap.Int("messages", len(snap.Messages)))

	c.emit(ctx, usage.Event{
		PersonaID:   c.cfg.Persona.ID,
		DisplayName: c.cfg.Persona.Name,
		Kind:        usage.KindConversationCompleted,
	})
	c.emitMessage(ctx, promptText, reply)
	return nil
}

// Retry leaves the failure state and resumes from the persisted snapshot,
// or returns to PhaseNotStarted when there is none.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.busy {
		return ErrBusy
	}
	if c.failure == nil {
		return ErrNoFailure
	}
	c.clearLocked()
	c.restoreLocked(ctx)
	return nil
}

// Reset discards the conversation and its snapshot.
func (c *Controller) Reset(ctx context.Context) error {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.clearLocked()
	c.mu.Unlock()

	c.cfg.Sessions.Clear(ctx, c.cfg.Persona.ID)
	c.logger.Info("conversation reset")
	return nil
}

// Unload is called when the client goes away. Unfinished conversations are
// not kept; locked ones survive for the next visit.
func (c *Controller) Unload(ctx context.Context) {
	c.mu.Lock()
	locked := c.phase == PhaseLocked
	c.mu.Unlock()

	if !locked {
		c.cfg.Sessions.Clear(ctx, c.cfg.Persona.ID)
	}
}

func (c *Controller) isBusy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *Controller) checkIdleLocked() error {
	if c.busy {
		return ErrBusy
	}
	if c.failure != nil {
		return ErrRecoveryRequired
	}
	return nil
}

func (c *Controller) clearLocked() {
	c.phase = PhaseNotStarted
	c.messages = nil
	c.startTime = time.Time{}
	c.endTime = time.Time{}
	c.variant = ""
	c.failure = nil
	c.synopsis = nil
}

func (c *Controller) classify(reply string) Phase {
	if c.cfg.Classifier.IsPending(reply) {
		return PhasePendingConfirmation
	}
	return PhaseActive
}

func (c *Controller) generate(ctx context.Context, systemPrompt string, history []chat.Turn) (string, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	reply, err := c.cfg.Generator.Generate(ctx, systemPrompt, history)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrBackend, err)
	}
	return reply, nil
}

func (c *Controller) newMessage(role chat.Role, content string) chat.Message {
	return chat.Message{
		ID:        c.cfg.NewID(),
		Role:      role,
		Content:   content,
		Timestamp: c.cfg.Now(),
	}
}

func (c *Controller) snapshotLocked() chat.Snapshot {
	snap := chat.Snapshot{
		PersonaID:       c.cfg.Persona.ID,
		Messages:        append([]chat.Message{}, c.messages...),
		StartTime:       c.startTime,
		SelectedVariant: c.variant,
		IsLocked:        c.phase == PhaseLocked,
	}
	if !c.endTime.IsZero() {
		end := c.endTime
		snap.EndTime = &end
	}
	return snap
}

func (c *Controller) emitMessage(ctx context.Context, promptText, reply string) {
	c.emit(ctx, usage.Event{
		PersonaID:   c.cfg.Persona.ID,
		DisplayName: c.cfg.Persona.Name,
		Kind:        usage.KindUserMessage,
		PromptText:  promptText,
		ReplyText:   reply,
	})
}

func (c *Controller) emit(ctx context.Context, ev usage.Event) {
	if err := c.cfg.Ledger.Emit(ctx, ev); err != nil {
		c.logger.Warn("usage event not recorded", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}

func joinContents(messages []chat.Message) string {
	parts := make([]string, 0, len(messages))
	for _, msg := range messages {
		parts = append(parts, msg.Content)
	}
	return strings.Join(parts, " ")
}
