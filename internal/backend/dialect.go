package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// buildDialectPayload returns the URL, JSON body, and headers for message
// under dialect d, per spec §4.3.1's bit-exact payload shapes.
func buildDialectPayload(d dialect, cfg Config, apiKey, message string, stream bool) (string, []byte, map[string]string) {
	switch d {
	case dialectAnthropic:
		url := strings.TrimRight(cfg.APIBaseURL, "/") + "/messages"
		body, _ := json.Marshal(map[string]any{
			"model":      cfg.Model,
			"max_tokens": orDefault(cfg.MaxTokens, 1024),
			"stream":     stream,
			"messages":   []map[string]string{{"role": "user", "content": message}},
		})
		headers := map[string]string{
			"content-type":      "application/json",
			"x-api-key":         apiKey,
			"anthropic-version": "2023-06-01",
		}
		return url, body, headers

	case dialectGemini:
		url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", strings.TrimRight(cfg.APIBaseURL, "/"), cfg.Model, apiKey)
		body, _ := json.Marshal(map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]string{{"text": message}}},
			},
		})
		headers := map[string]string{"content-type": "application/json"}
		return url, body, headers

	default: // OpenAI-compatible
		url := strings.TrimRight(cfg.APIBaseURL, "/") + "/chat/completions"
		body, _ := json.Marshal(map[string]any{
			"model":      cfg.Model,
			"max_tokens": orDefault(cfg.MaxTokens, 1024),
			"stream":     stream,
			"messages":   []map[string]string{{"role": "user", "content": message}},
		})
		headers := map[string]string{
			"content-type":  "application/json",
			"authorization": "Bearer " + apiKey,
		}
		return url, body, headers
	}
}

// extractContent decouples payload shape from the result contract: parse
// failures yield empty text and zero tokens, never an error, per spec
// §4.3.1's "failures in parsing yield empty text and zero tokens without
// throwing".
func extractContent(d dialect, body []byte) (string, *int) {
	switch d {
	case dialectAnthropic:
		var parsed struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			Usage struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			zero := 0
			return "", &zero
		}
		var sb strings.Builder
		for _, c := range parsed.Content {
			sb.WriteString(c.Text)
		}
		total := parsed.Usage.InputTokens + parsed.Usage.OutputTokens
		return sb.String(), &total

	case dialectGemini:
		var parsed struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
			UsageMetadata struct {
				TotalTokenCount int `json:"totalTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			zero := 0
			return "", &zero
		}
		var sb strings.Builder
		if len(parsed.Candidates) > 0 {
			for _, p := range parsed.Candidates[0].Content.Parts {
				sb.WriteString(p.Text)
			}
		}
		total := parsed.UsageMetadata.TotalTokenCount
		return sb.String(), &total

	default: // OpenAI-compatible
		var parsed struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal(body, &parsed); err != nil {
			zero := 0
			return "", &zero
		}
		text := ""
		if len(parsed.Choices) > 0 {
			text = parsed.Choices[0].Message.Content
		}
		total := parsed.Usage.TotalTokens
		return text, &total
	}
}

// parseSSEFrame interprets one SSE "data:" payload under dialect d.
// Anthropic uses event types: content_block_delta carries text, message_stop
// terminates. OpenAI-compatible frames carry a delta directly.
func parseSSEFrame(d dialect, event string, data []byte) (content string, final bool, tokens *int) {
	switch d {
	case dialectAnthropic:
		if event == "message_stop" {
			return "", true, nil
		}
		if event != "content_block_delta" {
			return "", false, nil
		}
		var frame struct {
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return "", false, nil
		}
		if frame.Delta.Type != "text_delta" {
			return "", false, nil
		}
		return frame.Delta.Text, false, nil

	default: // OpenAI-compatible
		var frame struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
				FinishReason *string `json:"finish_reason"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return "", false, nil
		}
		if len(frame.Choices) == 0 {
			return "", false, nil
		}
		ch := frame.Choices[0]
		if ch.FinishReason != nil && *ch.FinishReason != "" {
			return ch.Delta.Content, true, nil
		}
		return ch.Delta.Content, false, nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
