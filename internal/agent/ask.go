package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/magdala/internal/events"
	"github.com/nugget/magdala/internal/llm"
	"github.com/nugget/magdala/internal/memory"
)

// ErrorResponse is returned to the user when a question cannot be
// answered. It never carries upstream detail.
const ErrorResponse = "I apologize, but I encountered an error while processing your request."

// exchangeImportance is the memory importance of a stored question and
// answer.
const exchangeImportance = 0.6

// storeTimeout bounds the background write of an exchange.
const storeTimeout = 30 * time.Second

// AskRequest is one user question.
type AskRequest struct {
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

// AskResponse is the answer and the conversation it belongs to. Err is
// set when Response is the generic apology.
type AskResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
	Err            error  `json:"-"`
}

// conversation is one thread's history. Its mutex serializes asks on
// the same conversation; different conversations proceed in parallel.
type conversation struct {
	mu           sync.Mutex
	id           string
	messages     []llm.Message
	startedAt    time.Time
	lastActivity time.Time
}

// Ask answers a question with memory-backed context and the recent
// history of its conversation. It always returns a non-empty response
// and always publishes a response event.
func (a *Agent) Ask(ctx context.Context, req AskRequest) AskResponse {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	a.touch()

	conv := a.conversation(req.ConversationID)
	conv.mu.Lock()
	defer conv.mu.Unlock()

	answer, err := a.ask(ctx, conv, req)
	if err != nil {
		a.logger.Error("ask failed", "conversation_id", req.ConversationID, "error", err)
		answer = ErrorResponse
	}

	data := map[string]any{
		"query":           req.Prompt,
		"response":        answer,
		"conversation_id": req.ConversationID,
		"error":           err != nil,
	}
	if req.UserID != "" {
		data["user_id"] = req.UserID
	}
	a.bus.Publish(events.Event{Source: events.SourceAgent, Kind: events.KindResponse, Data: data})

	return AskResponse{Response: answer, ConversationID: req.ConversationID, Err: err}
}

func (a *Agent) ask(ctx context.Context, conv *conversation, req AskRequest) (string, error) {
	client := a.currentLLM()
	if client == nil {
		return "", fmt.Errorf("llm: %w", ErrUnavailable)
	}

	providers := NewCompositeContextProvider(statusProvider{a}, conditionsProvider{a}, activityProvider{a}, memoryProvider{a})
	system, err := providers.GetContext(ctx, req)
	if err != nil {
		a.degraded("memory", "context_for_query", err)
	}

	a.mu.Lock()
	exchanges := a.cfg.Guardian.HistoryExchanges
	a.mu.Unlock()

	history := recent(conv.messages, exchanges)
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Prompt})

	answer, err := client.Chat(ctx, messages)
	if err != nil {
		return "", err
	}

	now := a.now()
	conv.messages = append(conv.messages,
		llm.Message{Role: llm.RoleUser, Content: req.Prompt},
		llm.Message{Role: llm.RoleAssistant, Content: answer},
	)
	conv.messages = recent(conv.messages, exchanges)
	conv.lastActivity = now

	a.storeExchange(ctx, req, answer)
	return answer, nil
}

// recent returns the last n question/answer pairs of msgs. n <= 0
// keeps everything.
func recent(msgs []llm.Message, n int) []llm.Message {
	if n <= 0 || len(msgs) <= 2*n {
		return msgs
	}
	return msgs[len(msgs)-2*n:]
}

// storeExchange writes the exchange to memory in the background. A
// failure is logged and never reaches the user.
func (a *Agent) storeExchange(ctx context.Context, req AskRequest, answer string) {
	mem, ok := a.memory()
	if !ok {
		a.degraded("memory", "store_exchange", ErrUnavailable)
		return
	}
	entry := memory.NewEntry{
		Content:    fmt.Sprintf("User query: %s\nResponse: %s", req.Prompt, answer),
		Category:   "conversation",
		UserID:     req.UserID,
		Importance: exchangeImportance,
		Tags:       []string{"conversation"},
		Metadata:   map[string]any{"conversation_id": req.ConversationID},
	}

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
		defer cancel()
		if _, err := mem.Add(ctx, entry); err != nil {
			a.logger.Warn("failed to store exchange", "conversation_id", req.ConversationID, "error", err)
		}
	}()
}

func (a *Agent) conversation(id string) *conversation {
	a.convMu.Lock()
	defer a.convMu.Unlock()
	c, ok := a.conversations[id]
	if !ok {
		now := a.now()
		c = &conversation{id: id, startedAt: now, lastActivity: now}
		a.conversations[id] = c
	}
	return c
}

// History returns a copy of a conversation's messages, or nil when the
// conversation is unknown.
func (a *Agent) History(conversationID string) []llm.Message {
	a.convMu.Lock()
	c, ok := a.conversations[conversationID]
	a.convMu.Unlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.messages...)
}

// sweepConversations drops conversations idle longer than ttl. A
// conversation with an ask in flight is skipped.
func (a *Agent) sweepConversations(ttl time.Duration) int {
	cutoff := a.now().Add(-ttl)
	a.convMu.Lock()
	defer a.convMu.Unlock()
	removed := 0
	for id, c := range a.conversations {
		if !c.mu.TryLock() {
			continue
		}
		if c.lastActivity.Before(cutoff) {
			delete(a.conversations, id)
			removed++
		}
		c.mu.Unlock()
	}
	return removed
}
