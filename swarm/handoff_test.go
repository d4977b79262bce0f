package swarm

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHandoffParser_Directive(t *testing.T) {
	var p HandoffParser

	decision := p.Parse("Research complete, see findings above.\nHANDOFF_TO: analyst\nREASON: needs synthesis")
	assert.True(t, decision.ShouldHandoff)
	assert.Equal(t, "analyst", decision.TargetAgent)
	assert.Equal(t, "needs synthesis", decision.Reason)
}

func TestHandoffParser_NoDirective(t *testing.T) {
	var p HandoffParser

	decision := p.Parse("The task is done. Final answer: 42.")
	assert.False(t, decision.ShouldHandoff)
	assert.Empty(t, decision.TargetAgent)
}

func TestHandoffParser_MissingReason(t *testing.T) {
	var p HandoffParser

	decision := p.Parse("HANDOFF_TO: compiler")
	assert.True(t, decision.ShouldHandoff)
	assert.Equal(t, "compiler", decision.TargetAgent)
	assert.Empty(t, decision.Reason)
}

func TestHandoffParser_LastDirectiveWins(t *testing.T) {
	var p HandoffParser

	text := "Earlier I was told:\nHANDOFF_TO: analyst\nREASON: old plan\n" +
		"But actually:\nHANDOFF_TO: compiler\nREASON: ready to assemble"
	decision := p.Parse(text)
	assert.Equal(t, "compiler", decision.TargetAgent)
	assert.Equal(t, "ready to assemble", decision.Reason)
}

func TestHandoffParser_InlineMentionIgnored(t *testing.T) {
	var p HandoffParser

	// The directive must stand on its own line.
	decision := p.Parse("I considered writing HANDOFF_TO: analyst but decided the task is done.")
	assert.False(t, decision.ShouldHandoff)
}

func TestHandoffParser_WhitespaceTolerant(t *testing.T) {
	var p HandoffParser

	decision := p.Parse("  HANDOFF_TO:   analyst  \n  REASON:  trailing spaces   ")
	assert.True(t, decision.ShouldHandoff)
	assert.Equal(t, "analyst", decision.TargetAgent)
	assert.Equal(t, "trailing spaces", decision.Reason)
}

func TestRepetitionDetector_PingPongRejected(t *testing.T) {
	d := DefaultRepetitionDetector()

	// A->B->A->B->A->B with candidate A: 7 entries, 2 unique names.
	history := []string{"a", "b", "a", "b", "a", "b"}
	assert.True(t, d.Repetitive(history, "a"))
}

func TestRepetitionDetector_QuietBelowFullWindow(t *testing.T) {
	d := DefaultRepetitionDetector()

	assert.False(t, d.Repetitive([]string{"a", "b", "a", "b", "a"}, "b"),
		"detector must not trigger before a full window accumulated")
	assert.False(t, d.Repetitive(nil, "a"))
}

func TestRepetitionDetector_DiverseWindowAccepted(t *testing.T) {
	d := DefaultRepetitionDetector()

	history := []string{"a", "b", "c", "d", "a", "b"}
	assert.False(t, d.Repetitive(history, "e"),
		"five unique names across the window is productive, not a loop")
}

func TestRepetitionDetector_ThreeAgentRotationRejected(t *testing.T) {
	d := DefaultRepetitionDetector()

	history := []string{"a", "b", "c", "a", "b", "c"}
	assert.True(t, d.Repetitive(history, "a"),
		"three agents rotating forever is still a loop")
}

func TestRepetitionDetector_OnlyRecentWindowCounts(t *testing.T) {
	d := DefaultRepetitionDetector()

	// Old diversity outside the window must not mask a recent loop.
	history := []string{"x", "y", "z", "w", "a", "b", "a", "b", "a", "b"}
	assert.True(t, d.Repetitive(history, "a"))
}

func TestRepetitionDetector_Property_MoreUniqueThanThresholdPasses(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := RepetitionDetector{
			Window:          rapid.IntRange(2, 10).Draw(t, "window"),
			MinUniqueAgents: rapid.IntRange(1, 5).Draw(t, "minUnique"),
		}
		n := rapid.IntRange(d.Window, d.Window*3).Draw(t, "len")
		history := make([]string, n)
		for i := range history {
			history[i] = fmt.Sprintf("agent-%d", rapid.IntRange(0, 8).Draw(t, "name"))
		}
		candidate := fmt.Sprintf("agent-%d", rapid.IntRange(0, 8).Draw(t, "candidate"))

		unique := map[string]struct{}{candidate: {}}
		for _, name := range history[len(history)-d.Window:] {
			unique[name] = struct{}{}
		}

		got := d.Repetitive(history, candidate)
		want := len(unique) <= d.MinUniqueAgents
		if got != want {
			t.Fatalf("detector disagrees with definition: got %v want %v (unique=%d)",
				got, want, len(unique))
		}
	})
}
