package agent

import (
	"fmt"
	"strings"

	"github.com/nebucaz/spendcast-agent/mcp"
)

// RenderManifests converts a discovery round's manifests into the schema-like
// block included in prompts for models without a native tool calling API.
func RenderManifests(manifests []mcp.ToolManifestEntry) string {
	if len(manifests) == 0 {
		return "No tools available."
	}
	var b strings.Builder
	for _, entry := range manifests {
		fmt.Fprintf(&b, "## %s (provider %s)\n", entry.Name, entry.Provider)
		if entry.Description != "" {
			fmt.Fprintf(&b, "%s\n", entry.Description)
		}
		b.WriteString("Arguments:\n")
		if len(entry.Params) == 0 {
			b.WriteString("  (No arguments)\n")
		} else {
			for _, param := range entry.Params {
				req := "optional"
				if param.Required {
					req = "required"
				}
				fmt.Fprintf(&b, "  - %s (%s, %s): %s\n", param.Name, param.Type, req, param.Description)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// discoveryPrompt asks the model for either a direct answer or explicit tool
// calls in the marker format the parser understands.
func discoveryPrompt(userQuery string, manifests []mcp.ToolManifestEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\n", userQuery)
	b.WriteString("You have access to the following tools:\n\n")
	b.WriteString(RenderManifests(manifests))
	b.WriteString("If the request needs a tool, respond with one line per call, formatted EXACTLY like this:\n")
	b.WriteString("TOOL_CALL: tool_name {\"param1\": \"value1\", \"param2\": \"value2\"}\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("1. Use the exact tool names from the list above.\n")
	b.WriteString("2. Provide valid JSON arguments with no extra text after the closing brace.\n")
	b.WriteString("3. If no tools are needed, just answer the request directly.\n")
	return b.String()
}

// synthesisPrompt asks the model to produce the final answer from the
// accumulated context, tool results included.
func synthesisPrompt(userQuery, context string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\n", userQuery)
	b.WriteString("Conversation so far, including tool execution results:\n")
	b.WriteString(context)
	b.WriteString("\nBased on the tool results above, provide a helpful and complete response to the user's request. ")
	b.WriteString("Summarize the key information and answer the question directly. ")
	b.WriteString("If a tool failed or timed out, acknowledge the missing information instead of inventing it.\n")
	return b.String()
}

// correctionPrompt re-prompts the model after parse failures.
func correctionPrompt(userQuery string, issues []Issue, manifests []mcp.ToolManifestEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n\n", userQuery)
	b.WriteString("Your previous tool calls could not be executed:\n")
	for _, issue := range issues {
		fmt.Fprintf(&b, "- %s\n", issue.Correction())
	}
	b.WriteString("\nAvailable tools:\n\n")
	b.WriteString(RenderManifests(manifests))
	b.WriteString("Repeat each call on its own line as TOOL_CALL: tool_name {\"param\": \"value\"}, or answer directly if no tool is needed.\n")
	return b.String()
}
