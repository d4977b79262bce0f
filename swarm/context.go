package swarm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/BaSui01/swarmflow/types"
)

// TokenCounter measures prompt text against the context budget.
type TokenCounter interface {
	Count(text string) int
}

// tiktokenCounter counts with the cl100k_base BPE encoding, falling
// back to a bytes/4 estimate if the encoding cannot be loaded.
type tiktokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	if c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// ContextBuilder assembles the prompt one agent sees: the original
// task, a bounded window of prior agents' outputs with the most
// recent favored when truncating, and the roster of agents available
// for handoff. Bounding matters because unmanaged context growth is
// the dominant failure mode of long handoff chains.
type ContextBuilder struct {
	budget  int
	counter TokenCounter
}

// NewContextBuilder creates a builder with the given token budget for
// the prior-work section. A nil counter uses tiktoken; a budget of
// zero or less disables truncation.
func NewContextBuilder(tokenBudget int, counter TokenCounter) *ContextBuilder {
	if counter == nil {
		counter = &tiktokenCounter{}
	}
	return &ContextBuilder{budget: tokenBudget, counter: counter}
}

// Build renders the prompt for the next invocation of agent. The
// execution is read, never mutated.
func (b *ContextBuilder) Build(exec *types.SwarmExecution, agent types.AgentConfig, roster []types.AgentConfig) string {
	var sb strings.Builder
	sb.WriteString(agent.SystemPrompt)
	sb.WriteString("\n\n## Task\n")
	sb.WriteString(exec.Task)
	sb.WriteString("\n")

	if prior := b.priorWork(exec, agent.Name); prior != "" {
		sb.WriteString("\n## Prior work (most recent first)\n")
		sb.WriteString(prior)
	}

	available := availableTargets(roster, agent.Name)
	if len(available) > 0 {
		sb.WriteString("\n## Available agents for handoff\n")
		for _, a := range available {
			desc := a.Description
			if desc == "" {
				desc = a.SystemPrompt
				if idx := strings.IndexByte(desc, '\n'); idx >= 0 {
					desc = desc[:idx]
				}
			}
			fmt.Fprintf(&sb, "- %s: %s\n", a.Name, desc)
		}
		sb.WriteString("\nTo delegate, end your reply with:\nHANDOFF_TO: <agent>\nREASON: <why>\n")
	}
	return sb.String()
}

// priorWork renders earlier agents' outputs most-recent-first within
// the token budget. The entry that crosses the budget is truncated
// and everything older is dropped.
func (b *ContextBuilder) priorWork(exec *types.SwarmExecution, current string) string {
	seen := make(map[string]struct{}, len(exec.AgentSequence))
	remaining := b.budget

	var sections []string
	for i := len(exec.AgentSequence) - 1; i >= 0; i-- {
		name := exec.AgentSequence[i]
		if name == current {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		output, ok := exec.SharedContext[name]
		if !ok || output == "" {
			continue
		}

		if b.budget > 0 {
			cost := b.counter.Count(output)
			if cost > remaining {
				output = b.truncate(output, remaining)
				if output == "" {
					break
				}
				sections = append(sections, fmt.Sprintf("### %s\n%s\n", name, output))
				break
			}
			remaining -= cost
		}
		sections = append(sections, fmt.Sprintf("### %s\n%s\n", name, output))
	}
	return strings.Join(sections, "\n")
}

// truncate cuts text down to roughly maxTokens, keeping the head.
func (b *ContextBuilder) truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	total := b.counter.Count(text)
	if total <= maxTokens {
		return text
	}
	cut := len(text) * maxTokens / total
	for cut > 0 && cut < len(text) && !isBoundary(text[cut]) {
		cut--
	}
	if cut <= 0 {
		return ""
	}
	return strings.TrimRight(text[:cut], " \t\n") + "\n[truncated]"
}

func isBoundary(c byte) bool {
	return c == ' ' || c == '\n' || c == '\t'
}

// availableTargets lists roster agents other than current, preserving
// configuration order.
func availableTargets(roster []types.AgentConfig, current string) []types.AgentConfig {
	out := make([]types.AgentConfig, 0, len(roster))
	for _, a := range roster {
		if a.Name != current {
			out = append(out, a)
		}
	}
	return out
}
