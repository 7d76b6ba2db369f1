package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) *http.Response

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestClientGenerate(t *testing.T) {
	client := NewClient("http://fake", "test-model")
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/generate", req.URL.Path)
			var payload map[string]interface{}
			assert.NoError(t, json.NewDecoder(req.Body).Decode(&payload))
			assert.Equal(t, "hello", payload["prompt"])
			assert.Equal(t, "test-model", payload["model"])
			assert.Equal(t, false, payload["stream"])
			return jsonResponse(200, `{"response": "hi there\n"}`)
		}),
	}

	text, err := client.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hi there", text)
}

func TestClientGenerateChatShapedBody(t *testing.T) {
	client := NewClient("http://fake", "test-model")
	client.client = &http.Client{
		Transport: roundTripFunc(func(_ *http.Request) *http.Response {
			return jsonResponse(200, `{"message": {"content": "from chat shape"}}`)
		}),
	}
	text, err := client.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "from chat shape", text)
}

func TestClientGenerateServerError(t *testing.T) {
	client := NewClient("http://fake", "test-model")
	client.client = &http.Client{
		Transport: roundTripFunc(func(_ *http.Request) *http.Response {
			return jsonResponse(500, `model not loaded`)
		}),
	}
	_, err := client.Generate(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestClientListModels(t *testing.T) {
	client := NewClient("", "")
	client.Endpoint = "http://fake"
	client.client = &http.Client{
		Transport: roundTripFunc(func(req *http.Request) *http.Response {
			assert.Equal(t, "/api/tags", req.URL.Path)
			return jsonResponse(200, `{"models": [{"name": "llama3.2"}, {"name": "mistral"}]}`)
		}),
	}
	names, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2", "mistral"}, names)
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("", "")
	assert.Equal(t, "http://localhost:11434", client.Endpoint)
	assert.Equal(t, "llama3.2", client.Model)
}
