package mcp

import (
	"encoding/json"
	"sort"
	"strings"
)

// Wire protocol: newline-delimited JSON-RPC 2.0 records over the provider's
// standard streams. Each request carries a string correlation id that the
// response must echo. One request in flight per process, ever.

const (
	methodInitialize = "initialize"
	methodListTools  = "tools/list"
	methodCallTool   = "tools/call"

	protocolVersion = "2024-11-05"
)

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      clientInfo `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type propertySchema struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

type inputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]propertySchema `json:"properties"`
	Required   []string                  `json:"required"`
	// Order of properties as they appeared on the wire; JSON objects are
	// unordered, so we recover a stable order for prompt rendering.
	order []string
}

func (s *inputSchema) UnmarshalJSON(data []byte) error {
	type alias inputSchema
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = inputSchema(a)
	s.order = propertyOrder(data)
	return nil
}

// propertyOrder extracts property names in wire order from the raw schema.
func propertyOrder(data []byte) []string {
	var raw struct {
		Properties json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &raw); err != nil || len(raw.Properties) == 0 {
		return nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw.Properties)))
	tok, err := dec.Token()
	if err != nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil
	}
	var names []string
	depth := 0
	for dec.More() || depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch v := tok.(type) {
		case json.Delim:
			switch v {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		case string:
			if depth == 0 {
				names = append(names, v)
				// Skip the property value entirely.
				var discard json.RawMessage
				if err := dec.Decode(&discard); err != nil {
					return names
				}
			}
		}
	}
	return names
}

type toolDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema inputSchema `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []toolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// text joins all textual content blocks into the result payload.
func (r callToolResult) text() string {
	var parts []string
	for _, block := range r.Content {
		if block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// manifestFromDescriptors converts wire tool declarations into manifest
// entries, preserving wire property order and the required flags.
func manifestFromDescriptors(providerName string, tools []toolDescriptor) []ToolManifestEntry {
	entries := make([]ToolManifestEntry, 0, len(tools))
	for _, tool := range tools {
		entry := ToolManifestEntry{
			Provider:    providerName,
			Name:        tool.Name,
			Description: tool.Description,
		}
		required := make(map[string]bool, len(tool.InputSchema.Required))
		for _, name := range tool.InputSchema.Required {
			required[name] = true
		}
		names := tool.InputSchema.order
		if names == nil {
			for name := range tool.InputSchema.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
		}
		for _, name := range names {
			prop, ok := tool.InputSchema.Properties[name]
			if !ok {
				continue
			}
			entry.Params = append(entry.Params, ToolParam{
				Name:        name,
				Type:        prop.Type,
				Description: prop.Description,
				Required:    required[name],
			})
		}
		entries = append(entries, entry)
	}
	return entries
}
