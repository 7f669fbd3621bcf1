package backend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessCLIOutputStripsBannersAndExtractsThinking(t *testing.T) {
	raw := "workdir: /tmp\nmodel: gpt\n<thinking>pondering</thinking>\nhello world\n"
	text, thinking := processCLIOutput(raw)
	require.Equal(t, "hello world", text)
	require.Equal(t, "pondering", thinking)
}

func TestProcessCLIOutputJSONL(t *testing.T) {
	raw := `{"type":"message","text":"hi "}` + "\n" + `{"type":"thinking","text":"reasoning"}` + "\n" + `{"type":"message","text":"there"}`
	text, thinking := processCLIOutput(raw)
	require.Equal(t, "hi there", text)
	require.Equal(t, "reasoning", thinking)
}

func TestDetectAuthRequired(t *testing.T) {
	url, ok := detectAuthRequired("please visit https://example.com/oauth/start to authenticate")
	require.True(t, ok)
	require.Contains(t, url, "oauth")
}

func TestEstimateTokensCJKAware(t *testing.T) {
	n := estimateTokens("你好世界")
	require.Greater(t, n, 0)
	n2 := estimateTokens("hello world")
	require.Greater(t, n2, 0)
}
