package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
)

// Client is a streaming OpenAI-compatible chat completion client. It uses
// plain net/http plus struct-tag JSON rather than a vendor SDK, since the
// wire protocol itself is the contract, not any one vendor's client
// library.
type Client struct {
	HTTPClient  *http.Client
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
}

func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		HTTPClient:  &http.Client{Timeout: 60 * time.Second},
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0,
	}
}

// ChatStream is a lazy, finite, non-restartable sequence of Events. Next
// blocks until the next event is decoded, returns io.EOF once the stream
// legitimately ends.
type ChatStream struct {
	reader *bufio.Reader
	body   io.Closer
}

// Stream issues the streaming chat completion request and returns a
// ChatStream over its response body. The caller must call Close.
func (c *Client) Stream(ctx context.Context, messages []Message, tools []ToolDef) (*ChatStream, error) {
	if c.APIKey == "" {
		return nil, apperr.ConfigMissing("chat.api_key")
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apperr.TransientNetwork("chat request failed", err)
	}
	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, apperr.TransientNetwork(fmt.Sprintf("chat endpoint returned %d: %s", resp.StatusCode, string(b)), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("chat endpoint error: status=%d body=%s", resp.StatusCode, string(b))
	}

	return &ChatStream{reader: bufio.NewReader(resp.Body), body: resp.Body}, nil
}

func (s *ChatStream) Close() error { return s.body.Close() }

// Next decodes the next SSE "data: " line into an Event. A chunk's delta
// carries either Content or ToolCalls, never both in this protocol, so
// Next surfaces at most one of ContentDelta/ToolCallDelta per call.
func (s *ChatStream) Next() (Event, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return Event{Done: true}, io.EOF
			}
			return Event{}, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return Event{Done: true}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return Event{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			return Event{ContentDelta: choice.Delta.Content}, nil
		}
		if len(choice.Delta.ToolCalls) > 0 {
			d := choice.Delta.ToolCalls[0]
			return Event{ToolCallDelta: &ToolCallDelta{
				Index:          d.Index,
				ID:             d.ID,
				NameDelta:      d.Function.Name,
				ArgumentsDelta: d.Function.Arguments,
			}}, nil
		}
		if choice.FinishReason != "" {
			return Event{Done: true}, nil
		}
	}
}

// Accumulator assembles tool_call deltas by index into complete ToolCalls
// for an OpenAI-style response stream.
type Accumulator struct {
	content   strings.Builder
	toolCalls map[int]*toolCallBuilder
	order     []int
}

type toolCallBuilder struct {
	id        string
	name      strings.Builder
	arguments strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{toolCalls: make(map[int]*toolCallBuilder)}
}

func (a *Accumulator) Add(ev Event) {
	if ev.ContentDelta != "" {
		a.content.WriteString(ev.ContentDelta)
	}
	if ev.ToolCallDelta != nil {
		d := ev.ToolCallDelta
		b, ok := a.toolCalls[d.Index]
		if !ok {
			b = &toolCallBuilder{}
			a.toolCalls[d.Index] = b
			a.order = append(a.order, d.Index)
		}
		if d.ID != "" {
			b.id = d.ID
		}
		b.name.WriteString(d.NameDelta)
		b.arguments.WriteString(d.ArgumentsDelta)
	}
}

func (a *Accumulator) Content() string { return a.content.String() }

func (a *Accumulator) ToolCalls() []ToolCall {
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		b := a.toolCalls[idx]
		out = append(out, ToolCall{
			ID:   b.id,
			Type: "function",
			Function: FunctionCall{
				Name:      b.name.String(),
				Arguments: b.arguments.String(),
			},
		})
	}
	return out
}

func (a *Accumulator) HasToolCalls() bool { return len(a.order) > 0 }
