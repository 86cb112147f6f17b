package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/convlog/internal/config"
	"github.com/comigor/convlog/internal/history"
	"github.com/comigor/convlog/internal/llm"
	"github.com/comigor/convlog/internal/logger"
)

// FSM States
type FSMState string

const (
	StateReady               FSMState = "Ready"
	StateAwaitingLLMResponse FSMState = "AwaitingLLMResponse"
	StateRecordingReply      FSMState = "RecordingReply"
	StateDone                FSMState = "Done"  // Terminal: reply recorded (or kept pending)
	StateError               FSMState = "Error" // Terminal: LLM call failed
)

// FSM Triggers
type FSMTrigger string

const (
	TriggerProcessInput            FSMTrigger = "ProcessInput"
	TriggerLLMRespondedWithContent FSMTrigger = "LLMRespondedWithContent"
	TriggerReplyRecorded           FSMTrigger = "ReplyRecorded"
	TriggerErrorOccurred           FSMTrigger = "ErrorOccurred"
)

const defaultSystemPrompt = "You are a helpful AI assistant. Please respond to the user's request accurately and concisely."

const defaultContextMessages = 50

// Conversation is the part of conversation.Manager the agent needs.
type Conversation interface {
	Append(ctx context.Context, role history.Role, content string) (history.AppendResult, error)
	Window() []history.Message
	SessionID() string
}

// Agent answers chat turns, recording both sides in the conversation.
type Agent struct {
	llmClient    llm.Client
	cfg          config.LLMConfig
	conv         Conversation
	systemPrompt string
}

// New creates an agent and records its system prompt as a system message.
// The store deduplicates, so restarting with the same prompt adds nothing.
func New(ctx context.Context, llmClient llm.Client, cfg config.LLMConfig, conv Conversation) *Agent {
	a := &Agent{
		llmClient:    llmClient,
		cfg:          cfg,
		conv:         conv,
		systemPrompt: defaultSystemPrompt,
	}
	if cfg.SystemPrompt != "" {
		a.systemPrompt = cfg.SystemPrompt
	}

	res, err := conv.Append(ctx, history.RoleSystem, a.systemPrompt)
	switch {
	case err != nil:
		logger.L.Warn("System prompt not recorded", "error", err)
	case res.Inserted:
		logger.L.Info("System prompt recorded", "id", res.ID)
	default:
		logger.L.Debug("System prompt already recorded", "id", res.ID)
	}
	return a
}

// record appends a message. A store outage is not fatal for a chat turn: the
// message stays pending in memory and recovery writes it later.
func (a *Agent) record(ctx context.Context, role history.Role, content string) error {
	if _, err := a.conv.Append(ctx, role, content); err != nil {
		var werr *history.StorageWriteError
		if errors.As(err, &werr) {
			logger.L.Warn("Message kept pending", "role", role, "error", err)
			return nil
		}
		return err
	}
	return nil
}

// Process records the user turn, asks the LLM with the recent conversation
// as context and records the reply.
func (a *Agent) Process(ctx context.Context, request string) (string, error) {
	if err := a.record(ctx, history.RoleUser, request); err != nil {
		return "", err
	}

	var (
		reply     string
		lastError error
	)

	fsm := stateless.NewStateMachine(StateReady)

	fsm.Configure(StateReady).
		Permit(TriggerProcessInput, StateAwaitingLLMResponse)

	fsm.Configure(StateAwaitingLLMResponse).
		OnEntry(func(ctx context.Context, _ ...any) error {
			messages := a.contextMessages(request)
			logger.L.Debug("Calling LLM", "messages", len(messages))
			resp, err := a.llmClient.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
				Model:    a.cfg.Model,
				Messages: messages,
			})
			switch {
			case err != nil:
				lastError = err
			case len(resp.Choices) == 0:
				lastError = errors.New("LLM returned no choices")
			default:
				reply = resp.Choices[0].Message.Content
			}
			return nil
		}).
		Permit(TriggerLLMRespondedWithContent, StateRecordingReply).
		Permit(TriggerErrorOccurred, StateError)

	fsm.Configure(StateRecordingReply).
		OnEntry(func(ctx context.Context, _ ...any) error {
			if reply == "" {
				return nil
			}
			return a.record(ctx, history.RoleAssistant, reply)
		}).
		Permit(TriggerReplyRecorded, StateDone)

	fsm.Configure(StateError).
		OnEntry(func(ctx context.Context, _ ...any) error {
			logger.L.Error("LLM call failed", "error", lastError)
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerProcessInput); err != nil {
		return "", fmt.Errorf("agent: %w", err)
	}
	if lastError != nil {
		if err := fsm.FireCtx(ctx, TriggerErrorOccurred); err != nil {
			return "", errors.Join(lastError, err)
		}
		return "", lastError
	}
	if err := fsm.FireCtx(ctx, TriggerLLMRespondedWithContent); err != nil {
		return "", err
	}
	if err := fsm.FireCtx(ctx, TriggerReplyRecorded); err != nil {
		return "", err
	}
	return reply, nil
}

// contextMessages builds the LLM request from the tail of the window for this
// session, led by the system prompt. The current request is always last even
// when the store deduplicated it against an earlier turn.
func (a *Agent) contextMessages(request string) []openai.ChatCompletionMessage {
	limit := a.cfg.ContextMessages
	if limit <= 0 {
		limit = defaultContextMessages
	}

	session := a.conv.SessionID()
	var turns []history.Message
	for _, m := range a.conv.Window() {
		if m.SessionID == session && m.Role != history.RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	out := make([]openai.ChatCompletionMessage, 0, len(turns)+2)
	out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: a.systemPrompt})
	for _, m := range turns {
		out = append(out, openai.ChatCompletionMessage{Role: chatRole(m.Role), Content: m.Content})
	}
	if last := out[len(out)-1]; last.Role != openai.ChatMessageRoleUser || last.Content != request {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: request})
	}
	return out
}

func chatRole(r history.Role) string {
	switch r {
	case history.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case history.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}
