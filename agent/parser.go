package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nebucaz/spendcast-agent/mcp"
)

// toolCallMarker introduces a proposed invocation inside model text. The
// payload may follow the tool name inline or on a PARAMETERS line.
const toolCallMarker = "TOOL_CALL:"

const parametersLabel = "PARAMETERS:"

// IssueKind classifies why a proposed call could not be turned into a
// request. The absence of any marker is not an issue; it is the normal
// "no tool needed" outcome.
type IssueKind string

const (
	MalformedPayload     IssueKind = "malformed_payload"
	MissingRequiredField IssueKind = "missing_required_field"
	UnknownTool          IssueKind = "unknown_tool"
)

// Issue describes one rejected proposal with enough detail to render a
// correction back into the model's context.
type Issue struct {
	Kind   IssueKind
	Tool   string
	Detail string
}

// Correction renders the issue as an instruction the model can act on.
func (i Issue) Correction() string {
	switch i.Kind {
	case MalformedPayload:
		return fmt.Sprintf("The parameters for tool %q could not be parsed (%s). Repeat the call as TOOL_CALL: %s {\"param\": \"value\"} with valid JSON and nothing after the closing brace.", i.Tool, i.Detail, i.Tool)
	case MissingRequiredField:
		return fmt.Sprintf("The call to tool %q is missing required parameters: %s. Repeat the call with every required parameter present.", i.Tool, i.Detail)
	case UnknownTool:
		return fmt.Sprintf("There is no tool named %q. Use only the exact tool names from the available tools list.", i.Tool)
	default:
		return i.Detail
	}
}

// Parser turns free-form model text into validated tool call requests. It
// holds only the manifests of the current discovery round and is safe for
// concurrent use; parsing the same text always yields the same result.
type Parser struct {
	tools map[string]mcp.ToolManifestEntry
}

// NewParser indexes the manifest entries of one discovery round.
func NewParser(manifests []mcp.ToolManifestEntry) *Parser {
	tools := make(map[string]mcp.ToolManifestEntry, len(manifests))
	for _, entry := range manifests {
		tools[entry.Name] = entry
	}
	return &Parser{tools: tools}
}

// Lookup returns the manifest entry for a tool name.
func (p *Parser) Lookup(name string) (mcp.ToolManifestEntry, bool) {
	entry, ok := p.tools[name]
	return entry, ok
}

// Parse extracts every proposed call from the text. Valid proposals become
// requests with correlation ids numbered in proposal order; invalid ones
// become issues. Both slices empty means the model chose to answer directly.
func (p *Parser) Parse(text string) ([]mcp.ToolCallRequest, []Issue) {
	var requests []mcp.ToolCallRequest
	var issues []Issue

	rest := text
	for {
		idx := strings.Index(rest, toolCallMarker)
		if idx < 0 {
			break
		}
		rest = rest[idx+len(toolCallMarker):]

		name, after := scanToolName(rest)
		if name == "" {
			issues = append(issues, Issue{Kind: MalformedPayload, Detail: "marker is not followed by a tool name"})
			continue
		}
		rest = after

		payload, after, ok := extractPayload(rest)
		if ok {
			rest = after
		}

		entry, known := p.tools[name]
		if !known {
			issues = append(issues, Issue{Kind: UnknownTool, Tool: name})
			continue
		}
		if !ok {
			issues = append(issues, Issue{Kind: MalformedPayload, Tool: name, Detail: "no complete JSON object follows the tool name"})
			continue
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(payload), &args); err != nil {
			issues = append(issues, Issue{Kind: MalformedPayload, Tool: name, Detail: err.Error()})
			continue
		}
		if missing := missingRequired(entry, args); len(missing) > 0 {
			issues = append(issues, Issue{Kind: MissingRequiredField, Tool: name, Detail: strings.Join(missing, ", ")})
			continue
		}

		requests = append(requests, mcp.ToolCallRequest{
			ID:        fmt.Sprintf("call-%d", len(requests)+1),
			Tool:      name,
			Arguments: args,
		})
	}
	return requests, issues
}

// scanToolName reads the identifier after the marker and returns the
// remaining text starting at the payload.
func scanToolName(s string) (string, string) {
	i := 0
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	start := i
	for i < len(s) && isNameByte(s[i]) {
		i++
	}
	name := s[start:i]

	// Tolerate the two emitted layouts: the payload inline on the same
	// line, or on a following PARAMETERS line.
	rest := s[i:]
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	if strings.HasPrefix(trimmed, parametersLabel) {
		rest = strings.TrimPrefix(trimmed, parametersLabel)
	}
	return name, rest
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-':
		return true
	}
	return false
}

// extractPayload returns the first balanced JSON object in s. Depth is
// tracked across nested objects, and braces inside string literals (including
// escaped quotes) never affect the count. The first-brace search stops at the
// next marker so a missing payload cannot swallow a later call's payload.
func extractPayload(s string) (payload, rest string, ok bool) {
	limit := len(s)
	if next := strings.Index(s, toolCallMarker); next >= 0 {
		limit = next
	}
	start := strings.IndexByte(s[:limit], '{')
	if start < 0 {
		return "", s, false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], s[i+1:], true
			}
		}
	}
	return "", s, false
}

func missingRequired(entry mcp.ToolManifestEntry, args map[string]any) []string {
	var missing []string
	for _, param := range entry.Params {
		if !param.Required {
			continue
		}
		if _, present := args[param.Name]; !present {
			missing = append(missing, param.Name)
		}
	}
	return missing
}
