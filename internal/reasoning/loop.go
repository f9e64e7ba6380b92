// Package reasoning implements the Reasoning Loop: multi-round tool
// dispatch against a streaming chat endpoint, feeding assistant text into
// the TTS pipeline as it arrives.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/Lloyd-lei/robot-agent-mindflow/internal/apperr"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/core"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/interrupt"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/llm"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/pipeline"
	"github.com/Lloyd-lei/robot-agent-mindflow/internal/tools"
)

const MaxRoundsPerTurn = 5

const apologySegment = "Sorry, please say that again."

// Loop drives one turn at a time against a shared ConversationHistory. It
// holds no back-pointer to the supervisor; cancellation arrives only via
// the shared interrupt token.
type Loop struct {
	Client    *llm.Client
	Registry  *tools.Registry
	Pipe      *pipeline.Pipeline
	Interrupt *interrupt.Token
}

// RunTurn executes one full turn: one or more chat rounds, with tool
// dispatch between them, feeding assistant text to the pipeline as it
// streams in. It always returns a *core.Turn with a concrete Outcome;
// the error is non-nil only when MaxRoundsPerTurn is exceeded, in which
// case it is an apperr RoundCapExceeded error alongside a failed turn.
func (l *Loop) RunTurn(ctx context.Context, history *core.ConversationHistory, turnID, userText string) (*core.Turn, error) {
	turn := &core.Turn{TurnID: turnID, UserText: userText, StartedAt: time.Now()}
	history.Append(core.Message{Role: core.RoleUser, Content: userText})

	descriptors := l.Registry.Descriptors()
	toolDefs := toToolDefs(descriptors)

	for round := 0; round < MaxRoundsPerTurn; round++ {
		if l.Interrupt.Raised() {
			turn.Outcome = core.OutcomeCancelled
			turn.EndedAt = time.Now()
			return turn, nil
		}

		acc, spoken, err := l.runOneRound(ctx, history, toolDefs)
		if err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) && ae.Kind == apperr.KindReasoningTimeout {
				turn.Outcome = core.OutcomeTimedOut
				turn.AssistantText = spoken.String()
				turn.EndedAt = time.Now()
				return turn, nil
			}
			turn.Outcome = core.OutcomeFailed
			turn.EndedAt = time.Now()
			return turn, nil
		}

		if !acc.HasToolCalls() {
			for _, seg := range l.Pipe.Ingest(ctx, "", true) {
				spoken.WriteString(seg.Text)
			}
			turn.AssistantText = spoken.String()
			history.Append(core.Message{Role: core.RoleAssistant, Content: spoken.String()})
			turn.Outcome = core.OutcomeCompleted
			turn.EndedAt = time.Now()
			return turn, nil
		}

		calls := acc.ToolCalls()
		history.Append(core.Message{Role: core.RoleAssistant, Content: spoken.String(), ToolCalls: toRecords(calls)})

		for _, call := range calls {
			result, derr := l.Registry.Dispatch(ctx, call.Function.Name, call.Function.Arguments)
			rec := core.ToolCallRecord{ID: call.ID, Name: call.Function.Name, Arguments: call.Function.Arguments}
			content := result
			if derr != nil {
				content = "ERROR: " + derr.Error()
				rec.Error = derr.Error()
			} else {
				rec.Result = result
			}
			turn.ToolCalls = append(turn.ToolCalls, rec)
			history.Append(core.Message{Role: core.RoleTool, Content: content, ToolCallID: call.ID})
		}
	}

	// Round cap exceeded: apologize and fail the turn.
	l.Pipe.Ingest(ctx, apologySegment, true)
	turn.Outcome = core.OutcomeFailed
	turn.EndedAt = time.Now()
	return turn, apperr.RoundCapExceeded(turnID, MaxRoundsPerTurn)
}

// runOneRound streams one chat completion, forwarding content fragments
// to the pipeline and accumulating tool call deltas, until the stream
// ends. The returned builder holds exactly the text the splitter emitted
// as segments during this round, not the raw stream content: assistant
// text recorded anywhere downstream must come from here, never from
// acc.Content(), so that markdown, dropped URL sentences, and the
// END_CONVERSATION sentinel never leak into history or persistence.
func (l *Loop) runOneRound(ctx context.Context, history *core.ConversationHistory, toolDefs []llm.ToolDef) (*llm.Accumulator, *strings.Builder, error) {
	var spoken strings.Builder
	messages := toLLMMessages(history.Messages())
	stream, err := l.Client.Stream(ctx, messages, toolDefs)
	if err != nil {
		return llm.NewAccumulator(), &spoken, classifyStreamErr(err)
	}
	defer stream.Close()

	acc := llm.NewAccumulator()
	for {
		if l.Interrupt.Raised() {
			return acc, &spoken, nil
		}
		ev, err := stream.Next()
		if err != nil && err != io.EOF {
			return acc, &spoken, classifyStreamErr(err)
		}
		if ev.ContentDelta != "" {
			acc.Add(ev)
			for _, seg := range l.Pipe.Ingest(ctx, ev.ContentDelta, false) {
				spoken.WriteString(seg.Text)
			}
		} else if ev.ToolCallDelta != nil {
			acc.Add(ev)
		}
		if ev.Done || err == io.EOF {
			return acc, &spoken, nil
		}
	}
}

func classifyStreamErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.ReasoningTimeout("")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return fmt.Errorf("chat stream error: %w", err)
}

func toToolDefs(descs []core.ToolDescriptor) []llm.ToolDef {
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	out := make([]llm.ToolDef, 0, len(descs))
	for _, d := range descs {
		out = append(out, llm.ToolDef{
			Type: "function",
			Function: llm.FunctionSpec{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func toLLMMessages(msgs []core.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		lm := llm.Message{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			lm.ToolCalls = append(lm.ToolCalls, llm.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
			})
		}
		out = append(out, lm)
	}
	return out
}

func toRecords(calls []llm.ToolCall) []core.ToolCallRecord {
	out := make([]core.ToolCallRecord, 0, len(calls))
	for _, c := range calls {
		out = append(out, core.ToolCallRecord{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}
