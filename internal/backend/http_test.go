package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeDoer struct {
	status int
	body   string
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestDetectDialect(t *testing.T) {
	require.Equal(t, dialectAnthropic, detectDialect(Config{APIBaseURL: "https://api.anthropic.com/v1"}))
	require.Equal(t, dialectGemini, detectDialect(Config{APIBaseURL: "https://generativelanguage.googleapis.com/v1"}))
	require.Equal(t, dialectOpenAI, detectDialect(Config{APIBaseURL: "https://api.openai.com/v1"}))
	require.Equal(t, dialectAnthropic, detectDialect(Config{Dialect: "anthropic"}))
}

func TestHTTPBackendExecuteOpenAIDialect(t *testing.T) {
	body := `{"choices":[{"message":{"content":"world"}}],"usage":{"total_tokens":7}}`
	doer := &fakeDoer{status: 200, body: body}
	b, err := New(Config{Name: "alpha", BackendType: "http", APIBaseURL: "https://api.openai.com/v1", Model: "gpt-x"}, doer)
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), "hello")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, "world", res.Text)
	require.Equal(t, 7, *res.Tokens)
}

func TestHTTPBackendExecuteErrorStatus(t *testing.T) {
	doer := &fakeDoer{status: 429, body: `{"error":"rate limit exceeded"}`}
	b, err := New(Config{Name: "alpha", BackendType: "http", APIBaseURL: "https://api.openai.com/v1"}, doer)
	require.NoError(t, err)

	res, err := b.Execute(context.Background(), "hello")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Contains(t, res.Error, "http_429")
}

func TestExtractContentAnthropic(t *testing.T) {
	body := []byte(`{"content":[{"text":"hi "},{"text":"there"}],"usage":{"input_tokens":3,"output_tokens":2}}`)
	text, tokens := extractContent(dialectAnthropic, body)
	require.Equal(t, "hi there", text)
	require.Equal(t, 5, *tokens)
}

func TestExtractContentMalformedNeverErrors(t *testing.T) {
	text, tokens := extractContent(dialectOpenAI, []byte(`not json`))
	require.Empty(t, text)
	require.Equal(t, 0, *tokens)
}
