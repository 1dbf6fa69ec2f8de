package graph

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Payload is the closed sum of node payload variants. The unexported clone
// method seals the interface: only the variants in this package implement it.
type Payload interface {
	// Kind returns the discriminant tag of the variant.
	Kind() NodeKind
	// Validate checks structural invariants of the payload. It returns a
	// *ValidationError describing the first violated field.
	Validate() error

	clone() Payload
}

// SessionPayload groups related nodes. Active is mutable; inactive sessions
// past the configured age become candidates for archival.
type SessionPayload struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

func (p *SessionPayload) Kind() NodeKind { return KindSession }

func (p *SessionPayload) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return nil
}

func (p *SessionPayload) clone() Payload {
	out := *p
	return &out
}

// PromptPayload holds a submitted prompt. Variables is the immutable
// name-to-value mapping used when the prompt was rendered from a template.
type PromptPayload struct {
	Text        string            `json:"text"`
	TemplateID  NodeID            `json:"templateId,omitempty"`
	Variables   map[string]string `json:"variables,omitempty"`
	Model       string            `json:"model,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	MaxTokens   uint64            `json:"maxTokens,omitempty"`
	ToolNames   []string          `json:"toolNames,omitempty"`
}

func (p *PromptPayload) Kind() NodeKind { return KindPrompt }

func (p *PromptPayload) Validate() error {
	if p.Text == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	if p.Temperature < 0 {
		return &ValidationError{Field: "temperature", Reason: "must be non-negative"}
	}
	return nil
}

func (p *PromptPayload) clone() Payload {
	out := *p
	out.Variables = cloneStringMap(p.Variables)
	out.ToolNames = append([]string(nil), p.ToolNames...)
	return &out
}

// TokenUsage carries prompt/completion/total token counts.
// Total must equal Prompt+Completion; all counts are unsigned 64-bit.
type TokenUsage struct {
	Prompt     uint64 `json:"prompt"`
	Completion uint64 `json:"completion"`
	Total      uint64 `json:"total"`
}

// ResponsePayload holds a model response. PromptID is mandatory and
// immutable.
type ResponsePayload struct {
	Text         string     `json:"text"`
	PromptID     NodeID     `json:"promptId"`
	TokenUsage   TokenUsage `json:"tokenUsage"`
	Model        string     `json:"model,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
	LatencyMs    uint64     `json:"latencyMs,omitempty"`
}

func (p *ResponsePayload) Kind() NodeKind { return KindResponse }

func (p *ResponsePayload) Validate() error {
	if p.PromptID == "" {
		return &ValidationError{Field: "promptId", Reason: "must reference a prompt"}
	}
	if p.TokenUsage.Total != p.TokenUsage.Prompt+p.TokenUsage.Completion {
		return &ValidationError{
			Field:  "tokenUsage.total",
			Reason: fmt.Sprintf("total %d != prompt %d + completion %d", p.TokenUsage.Total, p.TokenUsage.Prompt, p.TokenUsage.Completion),
		}
	}
	return nil
}

func (p *ResponsePayload) clone() Payload {
	out := *p
	return &out
}

// ToolInvocationPayload records a tool call triggered by a response.
// Result and Error are mutually exclusive; both stay empty while the call is
// pending. RetryCount only increases.
type ToolInvocationPayload struct {
	ResponseID NodeID            `json:"responseId"`
	ToolName   string            `json:"toolName"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Result     string            `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs uint64            `json:"durationMs,omitempty"`
	RetryCount uint64            `json:"retryCount"`
	Success    bool              `json:"success"`
}

func (p *ToolInvocationPayload) Kind() NodeKind { return KindToolInvocation }

func (p *ToolInvocationPayload) Validate() error {
	if p.ResponseID == "" {
		return &ValidationError{Field: "responseId", Reason: "must reference a response"}
	}
	if p.ToolName == "" {
		return &ValidationError{Field: "toolName", Reason: "must not be empty"}
	}
	if p.Result != "" && p.Error != "" {
		return &ValidationError{Field: "result", Reason: "result and error are mutually exclusive"}
	}
	return nil
}

// Pending reports whether the invocation has neither result nor error yet.
func (p *ToolInvocationPayload) Pending() bool {
	return p.Result == "" && p.Error == ""
}

func (p *ToolInvocationPayload) clone() Payload {
	out := *p
	out.Parameters = cloneStringMap(p.Parameters)
	return &out
}

// AgentPayload describes an agent and its status machine state.
// Status transitions are validated by the engine; see AgentStatus.
type AgentPayload struct {
	Name           string      `json:"name"`
	Role           string      `json:"role,omitempty"`
	Capabilities   []string    `json:"capabilities,omitempty"`
	Status         AgentStatus `json:"status"`
	LastActiveAt   time.Time   `json:"lastActiveAt,omitempty"`
	PromptsHandled uint64      `json:"promptsHandled"`
	Handoffs       uint64      `json:"handoffs"`
}

func (p *AgentPayload) Kind() NodeKind { return KindAgent }

func (p *AgentPayload) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !p.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", p.Status)}
	}
	return nil
}

func (p *AgentPayload) clone() Payload {
	out := *p
	out.Capabilities = append([]string(nil), p.Capabilities...)
	return &out
}

// VariableSpec declares one named placeholder of a template.
type VariableSpec struct {
	Name        string `json:"name"`
	TypeHint    string `json:"typeHint,omitempty"`
	Required    bool   `json:"required"`
	Default     string `json:"default,omitempty"`
	Pattern     string `json:"pattern,omitempty"`
	Description string `json:"description,omitempty"`
}

// TemplatePayload is a versioned prompt template with ordered variable specs.
// ParentID points at the template it inherits from (also expressed as an
// Inherits edge). UsageCount is bumped on every instantiation.
type TemplatePayload struct {
	Name       string         `json:"name"`
	Version    SemVer         `json:"version"`
	Text       string         `json:"text"`
	Variables  []VariableSpec `json:"variables,omitempty"`
	ParentID   NodeID         `json:"parentId,omitempty"`
	UsageCount uint64         `json:"usageCount"`
}

func (p *TemplatePayload) Kind() NodeKind { return KindTemplate }

func (p *TemplatePayload) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.Text == "" {
		return &ValidationError{Field: "text", Reason: "must not be empty"}
	}
	seen := make(map[string]struct{}, len(p.Variables))
	for _, v := range p.Variables {
		if v.Name == "" {
			return &ValidationError{Field: "variables", Reason: "variable name must not be empty"}
		}
		if _, dup := seen[v.Name]; dup {
			return &ValidationError{Field: "variables", Reason: fmt.Sprintf("duplicate variable %q", v.Name)}
		}
		seen[v.Name] = struct{}{}
		if v.Pattern != "" {
			if _, err := regexp.Compile(v.Pattern); err != nil {
				return &ValidationError{Field: "variables", Reason: fmt.Sprintf("invalid pattern for %q: %v", v.Name, err)}
			}
		}
	}
	return nil
}

// CheckVariables validates a set of instantiation values against the specs:
// required variables must be present and values must match their pattern.
func (p *TemplatePayload) CheckVariables(values map[string]string) error {
	for _, spec := range p.Variables {
		val, ok := values[spec.Name]
		if !ok {
			if spec.Required && spec.Default == "" {
				return &ValidationError{Field: spec.Name, Reason: "required variable missing"}
			}
			continue
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return &ValidationError{Field: spec.Name, Reason: fmt.Sprintf("invalid pattern: %v", err)}
			}
			if !re.MatchString(val) {
				return &ValidationError{Field: spec.Name, Reason: fmt.Sprintf("value %q does not match pattern %q", val, spec.Pattern)}
			}
		}
	}
	return nil
}

// Render substitutes {name} placeholders in the template text. Variables
// absent from values fall back to their declared default; placeholders with
// neither are left verbatim.
func (p *TemplatePayload) Render(values map[string]string) string {
	pairs := make([]string, 0, 2*len(p.Variables))
	for _, spec := range p.Variables {
		val, ok := values[spec.Name]
		if !ok {
			if spec.Default == "" {
				continue
			}
			val = spec.Default
		}
		pairs = append(pairs, "{"+spec.Name+"}", val)
	}
	if len(pairs) == 0 {
		return p.Text
	}
	return strings.NewReplacer(pairs...).Replace(p.Text)
}

func (p *TemplatePayload) clone() Payload {
	out := *p
	out.Variables = append([]VariableSpec(nil), p.Variables...)
	return &out
}

// ArchivePointerPayload replaces an archived session in primary storage.
// BundleRef is the handle the external archival store returned.
type ArchivePointerPayload struct {
	SessionID  NodeID    `json:"sessionId"`
	BundleRef  string    `json:"bundleRef"`
	ArchivedAt time.Time `json:"archivedAt"`
	NodeCount  uint64    `json:"nodeCount"`
	EdgeCount  uint64    `json:"edgeCount"`
}

func (p *ArchivePointerPayload) Kind() NodeKind { return KindArchivePointer }

func (p *ArchivePointerPayload) Validate() error {
	if p.SessionID == "" {
		return &ValidationError{Field: "sessionId", Reason: "must reference the archived session"}
	}
	if p.BundleRef == "" {
		return &ValidationError{Field: "bundleRef", Reason: "must not be empty"}
	}
	return nil
}

func (p *ArchivePointerPayload) clone() Payload {
	out := *p
	return &out
}

// NewPayload returns a zero-value payload variant for a kind. Used by the
// codec when decoding records.
func NewPayload(kind NodeKind) (Payload, error) {
	switch kind {
	case KindSession:
		return &SessionPayload{}, nil
	case KindPrompt:
		return &PromptPayload{}, nil
	case KindResponse:
		return &ResponsePayload{}, nil
	case KindToolInvocation:
		return &ToolInvocationPayload{}, nil
	case KindAgent:
		return &AgentPayload{}, nil
	case KindTemplate:
		return &TemplatePayload{}, nil
	case KindArchivePointer:
		return &ArchivePointerPayload{}, nil
	}
	return nil, fmt.Errorf("graph: unknown node kind %q", kind)
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
