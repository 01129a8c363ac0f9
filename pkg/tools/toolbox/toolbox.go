// Package toolbox holds the set of operator tools the relay exposes to AI
// agents, independent of the protocol that serves them.
package toolbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// Result is the outcome of a tool call.
type Result struct {
	Text    string
	IsError bool
}

// ToolBox is a registry of tools keyed by name.
type ToolBox struct {
	tools map[string]Tool
}

// New creates an empty ToolBox.
func New() *ToolBox {
	return &ToolBox{tools: make(map[string]Tool)}
}

// Register adds tools, replacing any with the same name.
func (tb *ToolBox) Register(tools ...Tool) {
	for _, t := range tools {
		tb.tools[t.Name] = t
	}
}

// Get returns the tool with the given name.
func (tb *ToolBox) Get(name string) (Tool, bool) {
	t, ok := tb.tools[name]
	return t, ok
}

// Tools returns every tool ordered by name.
func (tb *ToolBox) Tools() []Tool {
	out := make([]Tool, 0, len(tb.tools))
	for _, t := range tb.tools {
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

// Call runs the named tool. Unknown tools and handler errors are reported as
// error results rather than Go errors.
func (tb *ToolBox) Call(ctx context.Context, name string, input json.RawMessage) Result {
	t, ok := tb.tools[name]
	if !ok {
		return Result{Text: fmt.Sprintf("tool not found: %s", name), IsError: true}
	}

	text, err := t.Handler(ctx, input)
	if err != nil {
		return Result{Text: err.Error(), IsError: true}
	}

	return Result{Text: text}
}
