package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Client talks to an Ollama endpoint. It implements the text-generation
// boundary the orchestrator expects: prompt in, text out.
type Client struct {
	Endpoint string
	Model    string
	client   *http.Client
	Debug    bool
}

type generateResponse struct {
	Response   string `json:"response"`
	Text       string `json:"text"`
	DoneReason string `json:"done_reason"`
	Message    *struct {
		Content string `json:"content"`
	} `json:"message"`
}

type modelListResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// NewClient builds a new Ollama client.
func NewClient(endpoint, model string) *Client {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Client{
		Endpoint: endpoint,
		Model:    model,
		client: &http.Client{
			Timeout: 3 * time.Minute,
		},
	}
}

// Generate runs one non-streaming completion and returns the model text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]interface{}{
		"model":  c.Model,
		"prompt": prompt,
		"stream": false,
	}
	body, err := c.doRequest(ctx, "/api/generate", payload)
	if err != nil {
		return "", err
	}
	var raw generateResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	text := raw.Response
	if text == "" {
		text = raw.Text
	}
	if text == "" && raw.Message != nil {
		text = raw.Message.Content
	}
	return strings.TrimSpace(text), nil
}

// ListModels returns the model names the endpoint has pulled.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama error: %s", resp.Status)
	}
	var raw modelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(raw.Models))
	for _, m := range raw.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// SetDebugLogging enables or disables verbose logging for requests/responses.
func (c *Client) SetDebugLogging(enabled bool) {
	c.Debug = enabled
}

func (c *Client) getHTTPClient() *http.Client {
	if c.client != nil {
		return c.client
	}
	c.client = &http.Client{Timeout: 60 * time.Second}
	return c.client
}

func (c *Client) doRequest(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	c.logf("request %s payload: %s", path, truncate(string(body), 2048))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.getHTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		if detail != "" {
			return nil, fmt.Errorf("ollama error: %s: %s", resp.Status, detail)
		}
		return nil, fmt.Errorf("ollama error: %s", resp.Status)
	}
	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	c.logf("response %s payload: %s", path, truncate(string(responseBody), 2048))
	return responseBody, nil
}

func (c *Client) logf(format string, args ...interface{}) {
	if !c.Debug {
		return
	}
	log.Printf("[ollama] "+format, args...)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
