package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nugget/magdala/internal/conditions"
	"github.com/nugget/magdala/internal/memory"
)

// ContextProvider contributes a section of the system prompt for one
// question.
type ContextProvider interface {
	GetContext(ctx context.Context, req AskRequest) (string, error)
}

// CompositeContextProvider combines multiple context providers.
// Each provider's output is separated by a blank line.
type CompositeContextProvider struct {
	providers []ContextProvider
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(providers ...ContextProvider) *CompositeContextProvider {
	return &CompositeContextProvider{providers: providers}
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and combines their output. A failing
// provider contributes whatever text it returned and the first error
// is reported after every provider has run.
func (c *CompositeContextProvider) GetContext(ctx context.Context, req AskRequest) (string, error) {
	var parts []string
	var first error

	for _, p := range c.providers {
		content, err := p.GetContext(ctx, req)
		if err != nil && first == nil {
			first = err
		}
		if content != "" {
			parts = append(parts, content)
		}
	}

	return strings.Join(parts, "\n\n"), first
}

// statusProvider describes the guardian's role and current posture.
type statusProvider struct{ a *Agent }

func (p statusProvider) GetContext(context.Context, AskRequest) (string, error) {
	s := p.a.Status()
	modules := "none"
	if len(s.ActiveModules) > 0 {
		modules = strings.Join(s.ActiveModules, ", ")
	}
	return fmt.Sprintf(`You are Magdala, a household guardian agent connected to Home Assistant.
You watch over the home and answer the household's questions about it.
Be concise and practical. Treat safety concerns as urgent.

Guardian mode: %s
Active modules: %s`, s.Mode, modules), nil
}

// conditionsProvider adds the local clock and host details.
type conditionsProvider struct{ a *Agent }

func (p conditionsProvider) GetContext(context.Context, AskRequest) (string, error) {
	p.a.mu.Lock()
	tz := p.a.cfg.Timezone
	p.a.mu.Unlock()
	return conditions.CurrentConditions(p.a.now(), tz), nil
}

// activityProvider adds the recent state changes the modules saw.
type activityProvider struct{ a *Agent }

func (p activityProvider) GetContext(context.Context, AskRequest) (string, error) {
	return p.a.activity.Format(p.a.now()), nil
}

// memoryProvider adds relevant memories and the user's strongest
// learned patterns.
type memoryProvider struct{ a *Agent }

func (p memoryProvider) GetContext(ctx context.Context, req AskRequest) (string, error) {
	mem, ok := p.a.memory()
	if !ok {
		return "", nil
	}
	qc, err := mem.ContextForQuery(ctx, req.Prompt, req.UserID)
	return formatMemoryContext(qc), err
}

func formatMemoryContext(qc memory.QueryContext) string {
	var b strings.Builder
	if len(qc.Memories) > 0 {
		b.WriteString("Relevant memories:\n")
		for _, m := range qc.Memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Category, m.Content)
		}
	}
	if len(qc.Patterns) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Known household patterns:\n")
		for _, p := range qc.Patterns {
			fmt.Fprintf(&b, "- %s (confidence %.2f, seen %d times)\n", p.Type, p.Confidence, p.Occurrences)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
