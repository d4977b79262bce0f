package swarm

import (
	"regexp"
	"strings"
)

// HandoffDecision is the outcome of inspecting an agent's final
// output: whether to hand off, to whom, and why. Derived per
// iteration, never persisted.
type HandoffDecision struct {
	ShouldHandoff bool   `json:"should_handoff"`
	TargetAgent   string `json:"target_agent,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

var (
	handoffPattern = regexp.MustCompile(`(?mi)^\s*HANDOFF_TO:\s*([A-Za-z0-9_\-]+)\s*$`)
	reasonPattern  = regexp.MustCompile(`(?mi)^\s*REASON:\s*(.+?)\s*$`)
)

// HandoffParser recovers a handoff decision from free-form agent text.
// It is the fallback for executors that do not return a structured
// decision; a malformed or absent directive parses as "no handoff".
type HandoffParser struct{}

// Parse scans text for HANDOFF_TO and REASON directives. When the
// directive appears more than once the last occurrence wins, since
// agents sometimes quote earlier instructions before emitting their
// own.
func (HandoffParser) Parse(text string) HandoffDecision {
	targets := handoffPattern.FindAllStringSubmatch(text, -1)
	if len(targets) == 0 {
		return HandoffDecision{}
	}
	decision := HandoffDecision{
		ShouldHandoff: true,
		TargetAgent:   strings.TrimSpace(targets[len(targets)-1][1]),
	}
	if reasons := reasonPattern.FindAllStringSubmatch(text, -1); len(reasons) > 0 {
		decision.Reason = strings.TrimSpace(reasons[len(reasons)-1][1])
	}
	return decision
}

// RepetitionDetector halts handoff chains that cycle between the same
// few agents. It is a heuristic tie-break: when the candidate agent,
// appended to the last Window visited agents, yields MinUniqueAgents
// or fewer unique names, the handoff is rejected.
type RepetitionDetector struct {
	Window          int `yaml:"window" json:"window"`
	MinUniqueAgents int `yaml:"min_unique_agents" json:"min_unique_agents"`
}

// DefaultRepetitionDetector returns the default detector tuning.
func DefaultRepetitionDetector() RepetitionDetector {
	return RepetitionDetector{Window: 6, MinUniqueAgents: 3}
}

// Repetitive reports whether advancing to candidate would trip the
// detector. The detector stays quiet until a full window of history
// has accumulated, so short productive exchanges are never cut off.
func (d RepetitionDetector) Repetitive(history []string, candidate string) bool {
	if d.Window <= 0 || len(history) < d.Window {
		return false
	}
	unique := make(map[string]struct{}, d.Window+1)
	for _, name := range history[len(history)-d.Window:] {
		unique[name] = struct{}{}
	}
	unique[candidate] = struct{}{}
	return len(unique) <= d.MinUniqueAgents
}
