// Package lineage answers provenance questions: which prompts a template
// family produced, which tools a response invoked and in what order, where
// a prompt's text ultimately came from, and which prompts preceded it in
// its session.
package lineage

import (
	"context"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/orneryd/engramdb/pkg/graph"
	"github.com/orneryd/engramdb/pkg/index"
	"github.com/orneryd/engramdb/pkg/storage"
)

// Tracker resolves lineage relationships from the indexes.
type Tracker struct {
	backend *storage.Backend
	idx     *index.Manager
	log     *zap.Logger
}

// NewTracker builds a tracker. log may be nil.
func NewTracker(backend *storage.Backend, idx *index.Manager, log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{backend: backend, idx: idx, log: log}
}

// TemplatePrompts lists every prompt instantiated from the template or from
// any template that inherits from it, directly or transitively, in creation
// order.
func (t *Tracker) TemplatePrompts(ctx context.Context, templateID graph.NodeID) ([]graph.NodeID, error) {
	root, err := t.backend.GetNode(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if root.Kind != graph.KindTemplate {
		return nil, &graph.ValidationError{Field: "templateId",
			Reason: "node " + string(templateID) + " is not a template"}
	}

	// Descendants carry Inherits edges pointing at their parent, so the
	// closure follows incoming Inherits edges downward.
	family := map[graph.NodeID]struct{}{templateID: {}}
	frontier := []graph.NodeID{templateID}
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := frontier[0]
		frontier = frontier[1:]
		for _, ref := range t.idx.Edges(id, graph.Incoming, graph.Inherits) {
			if _, seen := family[ref.Other]; seen {
				continue
			}
			family[ref.Other] = struct{}{}
			frontier = append(frontier, ref.Other)
		}
	}

	type ordered struct {
		id  graph.NodeID
		at  int64
		seq uint64
	}
	var prompts []ordered
	for tpl := range family {
		for _, pid := range t.idx.InstantiatedPrompts(tpl) {
			n, err := t.backend.GetNode(ctx, pid)
			if err != nil {
				return nil, err
			}
			prompts = append(prompts, ordered{id: pid, at: n.CreatedAt.UnixMicro(), seq: n.Seq})
		}
	}
	sort.Slice(prompts, func(i, j int) bool {
		if prompts[i].at != prompts[j].at {
			return prompts[i].at < prompts[j].at
		}
		return prompts[i].seq < prompts[j].seq
	})

	out := make([]graph.NodeID, len(prompts))
	for i, p := range prompts {
		out[i] = p.id
	}
	return out, nil
}

// Invocation pairs a tool invocation node with its position in the
// response's invocation sequence.
type Invocation struct {
	Node  *graph.Node
	Order int
}

// ResponseInvocations lists a response's tool invocations ordered by their
// invocation_order property. Edges missing the property sort last, by
// creation.
func (t *Tracker) ResponseInvocations(ctx context.Context, responseID graph.NodeID) ([]Invocation, error) {
	resp, err := t.backend.GetNode(ctx, responseID)
	if err != nil {
		return nil, err
	}
	if resp.Kind != graph.KindResponse {
		return nil, &graph.ValidationError{Field: "responseId",
			Reason: "node " + string(responseID) + " is not a response"}
	}

	refs := t.idx.Edges(responseID, graph.Outgoing, graph.Invokes)
	out := make([]Invocation, 0, len(refs))
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		edge, err := t.backend.GetEdge(ctx, ref.EdgeID)
		if err != nil {
			return nil, err
		}
		node, err := t.backend.GetNode(ctx, ref.Other)
		if err != nil {
			return nil, err
		}
		order := 0
		if raw, ok := edge.Properties[graph.PropInvocationOrder]; ok {
			if v, err := strconv.Atoi(raw); err == nil {
				order = v
			}
		}
		out = append(out, Invocation{Node: node, Order: order})
	}

	sort.SliceStable(out, func(i, j int) bool {
		oi, oj := out[i].Order, out[j].Order
		switch {
		case oi == 0:
			return false
		case oj == 0:
			return true
		default:
			return oi < oj
		}
	})
	return out, nil
}

// PromptAncestry traces a prompt back to its template and up the template
// inheritance chain, at most maxDepth templates deep. The first element is
// the prompt's own template; a prompt not built from a template returns an
// empty chain.
func (t *Tracker) PromptAncestry(ctx context.Context, promptID graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	prompt, err := t.backend.GetNode(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if prompt.Kind != graph.KindPrompt {
		return nil, &graph.ValidationError{Field: "promptId",
			Reason: "node " + string(promptID) + " is not a prompt"}
	}

	refs := t.idx.Edges(promptID, graph.Outgoing, graph.Instantiates)
	if len(refs) == 0 {
		return nil, nil
	}

	var chain []graph.NodeID
	seen := map[graph.NodeID]struct{}{}
	cur := refs[0].Other
	for depth := 0; maxDepth <= 0 || depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, dup := seen[cur]; dup {
			break
		}
		seen[cur] = struct{}{}
		chain = append(chain, cur)

		parents := t.idx.Edges(cur, graph.Outgoing, graph.Inherits)
		if len(parents) == 0 {
			break
		}
		cur = parents[0].Other
	}
	return chain, nil
}

// PromptHistory walks the Follows chain backward from a prompt: the prompts
// that came before it in the same session, nearest first, at most maxDepth
// steps. maxDepth <= 0 means unlimited; a Follows edge leaving the session
// ends the walk.
func (t *Tracker) PromptHistory(ctx context.Context, promptID graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	prompt, err := t.backend.GetNode(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if prompt.Kind != graph.KindPrompt {
		return nil, &graph.ValidationError{Field: "promptId",
			Reason: "node " + string(promptID) + " is not a prompt"}
	}

	var history []graph.NodeID
	seen := map[graph.NodeID]struct{}{promptID: {}}
	cur := promptID
	for depth := 0; maxDepth <= 0 || depth < maxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refs := t.idx.Edges(cur, graph.Outgoing, graph.Follows)
		if len(refs) == 0 {
			break
		}
		next := refs[0].Other
		if _, dup := seen[next]; dup {
			break
		}
		prev, err := t.backend.GetNode(ctx, next)
		if err != nil {
			return nil, err
		}
		if prev.SessionID != prompt.SessionID {
			break
		}
		seen[next] = struct{}{}
		history = append(history, next)
		cur = next
	}
	return history, nil
}
