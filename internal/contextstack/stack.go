// Package contextstack implements the nested execution contexts of a plan.
//
// Contexts live in an arena of nodes addressed by Handle. Each node stores
// its parent handle and only the values it overrides, so pushing a child
// never copies inherited state and never mutates an ancestor.
package contextstack

import (
	"sort"

	"github.com/example/ccos-lite/internal/domain"
)

// Handle addresses a node in the arena.
type Handle int

// Root is the handle of the plan-level context.
const Root Handle = 0

const noParent Handle = -1

// Overrides are applied on push on top of the inherited context.
type Overrides struct {
	StepID string

	// Quota replaces the remaining effect quota, clamped to the parent's.
	Quota *int

	// AllowedEffects narrows the allowed set to its intersection with the
	// parent's. Nil inherits the parent set.
	AllowedEffects []string

	Values  map[string]any
	Profile map[string]any
}

type node struct {
	parent Handle
	frame  domain.ContextFrame
}

// ExecutionContext is a read-only view of one node resolved through its
// ancestors.
type ExecutionContext struct {
	PlanID           string
	StepID           string
	Depth            int
	RemainingQuota   int
	Restricted       bool
	AllowedEffects   []string
	Values           map[string]any
	Profile          map[string]any
	LastCheckpointID string
}

// Allows reports whether the capability may be requested from this context.
func (c ExecutionContext) Allows(capability string) bool {
	if !c.Restricted {
		return true
	}
	for _, e := range c.AllowedEffects {
		if e == capability {
			return true
		}
	}
	return false
}

// Snapshot converts the context into the form shipped with effect requests.
func (c ExecutionContext) Snapshot() domain.ContextSnapshot {
	return domain.ContextSnapshot{
		PlanID:           c.PlanID,
		StepID:           c.StepID,
		Depth:            c.Depth,
		RemainingQuota:   c.RemainingQuota,
		AllowedEffects:   c.AllowedEffects,
		Values:           c.Values,
		Profile:          c.Profile,
		LastCheckpointID: c.LastCheckpointID,
	}
}

// Stack is the context stack of a single plan instance. It is not safe for
// concurrent use; a plan is driven by one logical thread at a time.
type Stack struct {
	nodes []node
	top   Handle
}

// New creates a stack holding only the root context of a plan.
func New(planID string, quota int, allowed []string, values map[string]any) *Stack {
	root := domain.ContextFrame{
		PlanID: planID,
		Quota:  normalizeQuota(quota),
		Values: copyValues(values),
	}
	if allowed != nil {
		root.Restricted = true
		root.AllowedEffects = dedupe(allowed)
	}
	return &Stack{nodes: []node{{parent: noParent, frame: root}}, top: Root}
}

// Depth returns the number of contexts on the stack, root included.
func (s *Stack) Depth() int {
	return len(s.nodes)
}

// Top returns the handle of the current context.
func (s *Stack) Top() Handle {
	return s.top
}

// Push copies the current context, applies the overrides, and makes the
// result current.
func (s *Stack) Push(o Overrides) Handle {
	parent := s.nodes[s.top].frame
	child := domain.ContextFrame{
		PlanID:         parent.PlanID,
		StepID:         o.StepID,
		Quota:          parent.Quota,
		Restricted:     parent.Restricted,
		AllowedEffects: parent.AllowedEffects,
		Values:         copyValues(o.Values),
		Profile:        copyValues(o.Profile),
	}
	if o.Quota != nil {
		child.Quota = clampQuota(*o.Quota, parent.Quota)
	}
	if o.AllowedEffects != nil {
		child.AllowedEffects = intersect(parent, o.AllowedEffects)
		child.Restricted = true
	}

	h := Handle(len(s.nodes))
	s.nodes = append(s.nodes, node{parent: s.top, frame: child})
	s.top = h
	return h
}

// Pop discards the current context. Popping the root is a no-op.
func (s *Stack) Pop() {
	if s.top == Root {
		return
	}
	parent := s.nodes[s.top].parent
	s.nodes = s.nodes[:s.top]
	s.top = parent
}

// Current returns the resolved current context.
func (s *Stack) Current() ExecutionContext {
	return s.resolve(s.top)
}

// Get returns the resolved context at h.
func (s *Stack) Get(h Handle) (ExecutionContext, bool) {
	if h < 0 || int(h) >= len(s.nodes) {
		return ExecutionContext{}, false
	}
	return s.resolve(h), true
}

// Consume takes one unit of effect quota from the current context and every
// ancestor. It returns false, leaving the stack untouched, when any of them
// is exhausted.
func (s *Stack) Consume() bool {
	for h := s.top; h != noParent; h = s.nodes[h].parent {
		if q := s.nodes[h].frame.Quota; q == 0 {
			return false
		}
	}
	for h := s.top; h != noParent; h = s.nodes[h].parent {
		if s.nodes[h].frame.Quota > 0 {
			s.nodes[h].frame.Quota--
		}
	}
	return true
}

// SetCheckpoint records the id of the last checkpoint taken in the current
// context.
func (s *Stack) SetCheckpoint(id string) {
	s.nodes[s.top].frame.CheckpointID = id
}

// Snapshot serializes the stack from root to top.
func (s *Stack) Snapshot() []domain.ContextFrame {
	frames := make([]domain.ContextFrame, len(s.nodes))
	for i, n := range s.nodes {
		f := n.frame
		f.AllowedEffects = append([]string(nil), f.AllowedEffects...)
		f.Values = copyValues(f.Values)
		f.Profile = copyValues(f.Profile)
		frames[i] = f
	}
	return frames
}

// Restore rebuilds a stack from frames produced by Snapshot.
func Restore(frames []domain.ContextFrame) (*Stack, bool) {
	if len(frames) == 0 {
		return nil, false
	}
	s := &Stack{nodes: make([]node, len(frames))}
	for i, f := range frames {
		f.Values = copyValues(f.Values)
		f.Profile = copyValues(f.Profile)
		s.nodes[i] = node{parent: Handle(i - 1), frame: f}
	}
	s.top = Handle(len(frames) - 1)
	return s, true
}

func (s *Stack) resolve(h Handle) ExecutionContext {
	n := s.nodes[h]
	ctx := ExecutionContext{
		PlanID:         n.frame.PlanID,
		StepID:         n.frame.StepID,
		RemainingQuota: n.frame.Quota,
		Restricted:     n.frame.Restricted,
		AllowedEffects: append([]string(nil), n.frame.AllowedEffects...),
		Values:         make(map[string]any),
	}

	var chain []Handle
	for c := h; c != noParent; c = s.nodes[c].parent {
		chain = append(chain, c)
	}
	ctx.Depth = len(chain)

	// Apply values root first so nearer overrides win.
	for i := len(chain) - 1; i >= 0; i-- {
		f := s.nodes[chain[i]].frame
		for k, v := range f.Values {
			ctx.Values[k] = v
		}
		if f.Profile != nil {
			ctx.Profile = f.Profile
		}
		if f.CheckpointID != "" {
			ctx.LastCheckpointID = f.CheckpointID
		}
	}
	return ctx
}

func normalizeQuota(q int) int {
	if q < 0 {
		return domain.UnlimitedQuota
	}
	return q
}

func clampQuota(q, parent int) int {
	q = normalizeQuota(q)
	if parent == domain.UnlimitedQuota {
		return q
	}
	if q == domain.UnlimitedQuota || q > parent {
		return parent
	}
	return q
}

func intersect(parent domain.ContextFrame, want []string) []string {
	want = dedupe(want)
	if !parent.Restricted {
		return want
	}
	allowed := make(map[string]bool, len(parent.AllowedEffects))
	for _, e := range parent.AllowedEffects {
		allowed[e] = true
	}
	out := make([]string, 0, len(want))
	for _, e := range want {
		if allowed[e] {
			out = append(out, e)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, e := range in {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

func copyValues(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
