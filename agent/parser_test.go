package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nebucaz/spendcast-agent/mcp"
)

func balanceManifest() []mcp.ToolManifestEntry {
	return []mcp.ToolManifestEntry{
		{
			Provider:    "bank",
			Name:        "lookup_balance",
			Description: "Look up the balance of an account",
			Params: []mcp.ToolParam{
				{Name: "account", Type: "string", Required: true},
				{Name: "currency", Type: "string", Required: false},
			},
		},
		{
			Provider: "bank",
			Name:     "get_schema",
			Params:   nil,
		},
	}
}

func TestParseSingleCall(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse(`TOOL_CALL: lookup_balance {"account": "acct-1"}`)
	require.Empty(t, issues)
	require.Len(t, requests, 1)
	assert.Equal(t, "lookup_balance", requests[0].Tool)
	assert.Equal(t, "acct-1", requests[0].Arguments["account"])
	assert.Equal(t, "call-1", requests[0].ID)
}

func TestParseNoToolCall(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse("The balance cannot be determined without more detail.")
	assert.Empty(t, requests)
	assert.Empty(t, issues)
}

func TestParseTruncatedPayload(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse(`TOOL_CALL: lookup_balance {"account": "acct-1"`)
	assert.Empty(t, requests)
	require.Len(t, issues, 1)
	assert.Equal(t, MalformedPayload, issues[0].Kind)
	assert.Equal(t, "lookup_balance", issues[0].Tool)
}

func TestParseNestedBracesAndTrailingText(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := `Sure, let me check.
TOOL_CALL: lookup_balance {"account": "acct-1", "currency": "{weird}"} and then I'll summarize {later}.`
	requests, issues := parser.Parse(text)
	require.Empty(t, issues)
	require.Len(t, requests, 1)
	assert.Equal(t, "{weird}", requests[0].Arguments["currency"])
}

func TestParseEscapedQuotesInsideStrings(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse(`TOOL_CALL: lookup_balance {"account": "he said \"}\" once"}`)
	require.Empty(t, issues)
	require.Len(t, requests, 1)
	assert.Equal(t, `he said "}" once`, requests[0].Arguments["account"])
}

func TestParseMultipleCalls(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := `TOOL_CALL: lookup_balance {"account": "a"}
TOOL_CALL: get_schema {}`
	requests, issues := parser.Parse(text)
	require.Empty(t, issues)
	require.Len(t, requests, 2)
	assert.Equal(t, "call-1", requests[0].ID)
	assert.Equal(t, "call-2", requests[1].ID)
	assert.Equal(t, "get_schema", requests[1].Tool)
}

func TestParseParametersLineLayout(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := "TOOL_CALL: lookup_balance\nPARAMETERS: {\"account\": \"acct-2\"}"
	requests, issues := parser.Parse(text)
	require.Empty(t, issues)
	require.Len(t, requests, 1)
	assert.Equal(t, "acct-2", requests[0].Arguments["account"])
}

func TestParseUnknownTool(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse(`TOOL_CALL: transfer_funds {"amount": 10}`)
	assert.Empty(t, requests)
	require.Len(t, issues, 1)
	assert.Equal(t, UnknownTool, issues[0].Kind)
	assert.Equal(t, "transfer_funds", issues[0].Tool)
}

func TestParseMissingRequiredField(t *testing.T) {
	parser := NewParser(balanceManifest())
	requests, issues := parser.Parse(`TOOL_CALL: lookup_balance {"currency": "CHF"}`)
	assert.Empty(t, requests)
	require.Len(t, issues, 1)
	assert.Equal(t, MissingRequiredField, issues[0].Kind)
	assert.Contains(t, issues[0].Detail, "account")
}

func TestParseMixedValidAndInvalid(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := `TOOL_CALL: lookup_balance {"account": "a"}
TOOL_CALL: bogus_tool {"x": 1}`
	requests, issues := parser.Parse(text)
	require.Len(t, requests, 1)
	require.Len(t, issues, 1)
	assert.Equal(t, UnknownTool, issues[0].Kind)
}

func TestParseMissingPayloadDoesNotSwallowNextCall(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := `TOOL_CALL: lookup_balance
TOOL_CALL: get_schema {}`
	requests, issues := parser.Parse(text)
	require.Len(t, requests, 1)
	assert.Equal(t, "get_schema", requests[0].Tool)
	require.Len(t, issues, 1)
	assert.Equal(t, MalformedPayload, issues[0].Kind)
}

func TestParseIsDeterministic(t *testing.T) {
	parser := NewParser(balanceManifest())
	text := `TOOL_CALL: lookup_balance {"account": "a"}
garbage TOOL_CALL: nope {`
	first, firstIssues := parser.Parse(text)
	second, secondIssues := parser.Parse(text)
	assert.Equal(t, first, second)
	assert.Equal(t, firstIssues, secondIssues)
}
