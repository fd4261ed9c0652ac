package tool

// Canonical GUI tool names the executor understands. The allowlist is
// always a subset of these; unknown names are dropped on write.
const (
	Click       = "click"
	RightClick  = "right_click"
	DoubleClick = "double_click"
	Drag        = "drag"
	Write       = "write"
	Remember    = "remember"
	Recall      = "recall"
)

// Universe returns the full ordered tool set. Callers get a fresh slice.
func Universe() []string {
	return []string{Click, RightClick, DoubleClick, Drag, Write, Remember, Recall}
}

// Known reports whether name is a canonical tool name.
func Known(name string) bool {
	switch name {
	case Click, RightClick, DoubleClick, Drag, Write, Remember, Recall:
		return true
	}
	return false
}

// Policy is an ordered allowlist of tool names. A Policy value is immutable
// once constructed; the store hands out copies so in-flight executor calls
// never observe a concurrent mutation.
type Policy struct {
	allowed []string
}

// NewPolicy builds a policy from names, dropping unknown tools and
// duplicates while preserving first-occurrence order.
func NewPolicy(names []string) Policy {
	seen := make(map[string]bool, len(names))
	allowed := make([]string, 0, len(names))
	for _, n := range names {
		if !Known(n) || seen[n] {
			continue
		}
		seen[n] = true
		allowed = append(allowed, n)
	}
	return Policy{allowed: allowed}
}

// DefaultPolicy allows the full tool universe.
func DefaultPolicy() Policy {
	return Policy{allowed: Universe()}
}

// Allowed returns a copy of the allowlist in order.
func (p Policy) Allowed() []string {
	out := make([]string, len(p.allowed))
	copy(out, p.allowed)
	return out
}

// IsAllowed reports whether the named tool is on the allowlist.
func (p Policy) IsAllowed(name string) bool {
	for _, a := range p.allowed {
		if a == name {
			return true
		}
	}
	return false
}

// Len returns the number of allowed tools.
func (p Policy) Len() int { return len(p.allowed) }
