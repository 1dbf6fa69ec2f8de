package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckEndpoints(t *testing.T) {
	t.Run("responds_to_requires_prompt_target", func(t *testing.T) {
		err := CheckEndpoints(RespondsTo, KindResponse, KindPrompt)
		assert.NoError(t, err)

		err = CheckEndpoints(RespondsTo, KindResponse, KindAgent)
		var tm *TypeMismatchError
		require.ErrorAs(t, err, &tm)
		assert.Equal(t, "to", tm.Endpoint)
		assert.Equal(t, KindPrompt, tm.Want)
	})

	t.Run("invokes_requires_response_source", func(t *testing.T) {
		assert.NoError(t, CheckEndpoints(Invokes, KindResponse, KindToolInvocation))

		err := CheckEndpoints(Invokes, KindPrompt, KindToolInvocation)
		var tm *TypeMismatchError
		require.ErrorAs(t, err, &tm)
		assert.Equal(t, "from", tm.Endpoint)
	})

	t.Run("instantiates_runs_prompt_to_template", func(t *testing.T) {
		assert.NoError(t, CheckEndpoints(Instantiates, KindPrompt, KindTemplate))
		assert.Error(t, CheckEndpoints(Instantiates, KindTemplate, KindPrompt))
	})

	t.Run("inherits_runs_template_to_template", func(t *testing.T) {
		assert.NoError(t, CheckEndpoints(Inherits, KindTemplate, KindTemplate))
		assert.Error(t, CheckEndpoints(Inherits, KindPrompt, KindTemplate))
	})

	t.Run("follows_and_references_are_unconstrained", func(t *testing.T) {
		assert.NoError(t, CheckEndpoints(Follows, KindPrompt, KindPrompt))
		assert.NoError(t, CheckEndpoints(References, KindAgent, KindSession))
	})
}

func TestAgentStatusTransitions(t *testing.T) {
	t.Run("active_idle_busy_chain", func(t *testing.T) {
		assert.NoError(t, CheckTransition(AgentActive, AgentIdle))
		assert.NoError(t, CheckTransition(AgentIdle, AgentActive))
		assert.NoError(t, CheckTransition(AgentIdle, AgentBusy))
		assert.NoError(t, CheckTransition(AgentBusy, AgentIdle))
	})

	t.Run("pause_from_any_resume_to_active_or_idle", func(t *testing.T) {
		assert.NoError(t, CheckTransition(AgentActive, AgentPaused))
		assert.NoError(t, CheckTransition(AgentBusy, AgentPaused))
		assert.NoError(t, CheckTransition(AgentPaused, AgentActive))
		assert.NoError(t, CheckTransition(AgentPaused, AgentIdle))
		assert.Error(t, CheckTransition(AgentPaused, AgentBusy))
	})

	t.Run("terminated_is_terminal", func(t *testing.T) {
		assert.NoError(t, CheckTransition(AgentBusy, AgentTerminated))

		err := CheckTransition(AgentTerminated, AgentActive)
		var it *InvalidTransitionError
		require.ErrorAs(t, err, &it)
		assert.Equal(t, AgentTerminated, it.From)
		assert.True(t, AgentTerminated.Terminal())
	})
}

func TestPayloadValidate(t *testing.T) {
	t.Run("response_token_totals_must_add_up", func(t *testing.T) {
		p := &ResponsePayload{
			Text:       "hi",
			PromptID:   "prompt-1",
			TokenUsage: TokenUsage{Prompt: 10, Completion: 20, Total: 30},
		}
		assert.NoError(t, p.Validate())

		p.TokenUsage.Total = 31
		var ve *ValidationError
		require.ErrorAs(t, p.Validate(), &ve)
		assert.Equal(t, "tokenUsage.total", ve.Field)
	})

	t.Run("tool_invocation_result_error_exclusive", func(t *testing.T) {
		p := &ToolInvocationPayload{ResponseID: "r1", ToolName: "search"}
		assert.NoError(t, p.Validate())
		assert.True(t, p.Pending())

		p.Result = "ok"
		p.Error = "boom"
		assert.Error(t, p.Validate())
	})

	t.Run("template_rejects_duplicate_variables", func(t *testing.T) {
		p := &TemplatePayload{
			Name: "greet", Text: "Hello {name}",
			Variables: []VariableSpec{{Name: "name"}, {Name: "name"}},
		}
		assert.Error(t, p.Validate())
	})

	t.Run("template_check_variables", func(t *testing.T) {
		p := &TemplatePayload{
			Name: "greet", Text: "Hello {name}",
			Variables: []VariableSpec{
				{Name: "name", Required: true},
				{Name: "age", Pattern: `^\d+$`},
			},
		}
		require.NoError(t, p.Validate())

		assert.NoError(t, p.CheckVariables(map[string]string{"name": "Alice"}))
		assert.Error(t, p.CheckVariables(map[string]string{}))
		assert.Error(t, p.CheckVariables(map[string]string{"name": "Alice", "age": "ten"}))
	})
}

func TestNodeClone(t *testing.T) {
	t.Run("clone_is_deep", func(t *testing.T) {
		n := &Node{
			ID:       "n1",
			Kind:     KindPrompt,
			Metadata: map[string]string{"k": "v"},
			Payload:  &PromptPayload{Text: "hi", Variables: map[string]string{"a": "1"}},
		}
		c := n.Clone()
		c.Metadata["k"] = "changed"
		c.Payload.(*PromptPayload).Variables["a"] = "2"

		assert.Equal(t, "v", n.Metadata["k"])
		assert.Equal(t, "1", n.Payload.(*PromptPayload).Variables["a"])
	})
}

func TestSemVer(t *testing.T) {
	t.Run("parse_and_format", func(t *testing.T) {
		v, err := ParseSemVer("1.2.3")
		require.NoError(t, err)
		assert.Equal(t, SemVer{Major: 1, Minor: 2, Patch: 3}, v)
		assert.Equal(t, "1.2.3", v.String())
	})

	t.Run("rejects_malformed", func(t *testing.T) {
		_, err := ParseSemVer("1.2")
		assert.Error(t, err)
		_, err = ParseSemVer("a.b.c")
		assert.Error(t, err)
	})

	t.Run("compare", func(t *testing.T) {
		a := SemVer{1, 0, 0}
		b := SemVer{1, 0, 1}
		assert.True(t, a.Less(b))
		assert.Equal(t, 0, a.Compare(SemVer{1, 0, 0}))
		assert.Equal(t, 1, b.Compare(a))
	})
}

func TestIsRetryable(t *testing.T) {
	t.Run("concurrent_modification_is_retryable", func(t *testing.T) {
		err := &ConcurrentModificationError{ID: "n1", Expected: 1, Actual: 2}
		assert.True(t, IsRetryable(err))
		assert.False(t, IsRetryable(errors.New("other")))
		assert.False(t, IsRetryable(NewNodeNotFound("n1")))
	})
}
