// Package tools groups the relay's agent-facing tool surface.
//
//   - [github.com/germanamz/callrelay/pkg/tools/toolbox] holds the Tool type and the ToolBox registry.
//   - [github.com/germanamz/callrelay/pkg/tools/mcpserver] serves a ToolBox over the Model Context Protocol.
//
// The concrete call-control tools live in [github.com/germanamz/callrelay/pkg/calltools].
package tools
