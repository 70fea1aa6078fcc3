package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type modelStep struct {
	msg *schema.Message
	err error
}

type fakeChatModel struct {
	steps []modelStep
	calls int
	seen  [][]*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	snapshot := make([]*schema.Message, len(in))
	copy(snapshot, in)
	f.seen = append(f.seen, snapshot)

	i := f.calls
	f.calls++
	if i >= len(f.steps) {
		return nil, errors.New("fake model exhausted")
	}
	return f.steps[i].msg, f.steps[i].err
}

func (f *fakeChatModel) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported")
}

func (f *fakeChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	return f, nil
}

type fakeTools struct {
	results map[string]string
	calls   []string
}

func (f *fakeTools) Infos(ctx context.Context) ([]*schema.ToolInfo, error) {
	return nil, nil
}

func (f *fakeTools) Dispatch(ctx context.Context, name, arguments string) string {
	f.calls = append(f.calls, name)
	if result, ok := f.results[name]; ok {
		return result
	}
	return fmt.Sprintf("Unknown function: %s", name)
}

func assistantWithCall(id, name, args string) *schema.Message {
	return &schema.Message{
		Role: schema.Assistant,
		ToolCalls: []schema.ToolCall{{
			ID:       id,
			Type:     "function",
			Function: schema.FunctionCall{Name: name, Arguments: args},
		}},
	}
}

func newTestEngine(t *testing.T, fake *fakeChatModel, tools ToolSource, opts Options) *Engine {
	t.Helper()
	if opts.MaxIterations == 0 {
		opts.MaxIterations = 8
	}
	if tools == nil {
		tools = &fakeTools{}
	}
	eng, err := NewEngine(context.Background(), fake, tools, opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng
}

func TestRunPlainAnswerSingleIteration(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{msg: &schema.Message{Role: schema.Assistant, Content: "hello"}},
	}}
	eng := newTestEngine(t, fake, nil, Options{SystemPrompt: "sys", ModelName: "test-model"})

	answer, err := eng.Run(context.Background(), "hi", RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if answer != "hello" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	meta := eng.Metadata()
	if meta.Iterations != 1 || meta.APICalls != 1 {
		t.Fatalf("metadata mismatch: %+v", meta)
	}
	if meta.Model != "test-model" {
		t.Fatalf("model not recorded: %+v", meta)
	}
	if len(fake.seen[0]) != 2 || fake.seen[0][0].Role != schema.System {
		t.Fatalf("system prompt not submitted first: %+v", fake.seen[0])
	}
}

func TestRunDispatchesToolAndPostProcesses(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{msg: assistantWithCall("call_1", "query", `{"sql":"SELECT 1","plan":"probe"}`)},
		{msg: &schema.Message{Role: schema.Assistant, Content: "The value is 1."}},
	}}
	tools := &fakeTools{results: map[string]string{
		"query": "| a |\n| --- |\n| 1 |",
	}}
	eng := newTestEngine(t, fake, tools, Options{})

	var steps []string
	answer, err := eng.Run(context.Background(), "count", RunOptions{
		OnStep: func(s string) { steps = append(steps, s) },
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(answer, "```sql\nSELECT 1\n```") {
		t.Fatalf("sql block missing: %q", answer)
	}
	if !strings.Contains(answer, "[PLAN:probe]") {
		t.Fatalf("plan marker missing: %q", answer)
	}
	if !strings.Contains(answer, "| a |\n| --- |\n| 1 |") {
		t.Fatalf("table missing: %q", answer)
	}

	// Second submission must carry the tool result back to the model.
	second := fake.seen[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.ToolCallID != "call_1" {
		t.Fatalf("tool result not fed back: %+v", last)
	}

	meta := eng.Metadata()
	if meta.Iterations != 2 || len(meta.ToolsUsed) != 1 || meta.ToolsUsed[0].Name != "query" {
		t.Fatalf("metadata mismatch: %+v", meta)
	}
	if len(steps) < 3 || steps[0] != "Thinking..." || steps[1] != "Executing query..." {
		t.Fatalf("progress steps wrong: %v", steps)
	}
	if !strings.HasPrefix(steps[2], "Finished query (") {
		t.Fatalf("finish step wrong: %v", steps)
	}
}

func TestRunToolFailureNeverAbortsRun(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{msg: assistantWithCall("call_1", "bogus", `{}`)},
		{msg: &schema.Message{Role: schema.Assistant, Content: "recovered"}},
	}}
	eng := newTestEngine(t, fake, &fakeTools{}, Options{})

	answer, err := eng.Run(context.Background(), "go", RunOptions{})
	if err != nil {
		t.Fatalf("tool failure escaped as error: %v", err)
	}
	if answer != "recovered" {
		t.Fatalf("unexpected answer: %q", answer)
	}
	second := fake.seen[1]
	last := second[len(second)-1]
	if last.Role != schema.Tool || last.Content != "Unknown function: bogus" {
		t.Fatalf("error result not fed back: %+v", last)
	}
}

func TestRunTruncatesOversizedToolResult(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{msg: assistantWithCall("call_1", "query", `{"sql":"SELECT x"}`)},
		{msg: &schema.Message{Role: schema.Assistant, Content: "ok"}},
	}}
	tools := &fakeTools{results: map[string]string{
		"query": strings.Repeat("x", maxToolResultChars+12345),
	}}
	eng := newTestEngine(t, fake, tools, Options{})

	if _, err := eng.Run(context.Background(), "big", RunOptions{}); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	second := fake.seen[1]
	last := second[len(second)-1]
	if !strings.HasSuffix(last.Content, "[truncated 12345 characters]") {
		t.Fatalf("truncation marker missing: %q", last.Content[len(last.Content)-60:])
	}
	if len(last.Content) > maxToolResultChars+100 {
		t.Fatalf("result not truncated: %d chars", len(last.Content))
	}
}

func TestRunRateLimitExhaustsAfterFourAttempts(t *testing.T) {
	rateErr := errors.New("429 rate limit exceeded")
	fake := &fakeChatModel{steps: []modelStep{
		{err: rateErr}, {err: rateErr}, {err: rateErr}, {err: rateErr},
		{err: rateErr}, {err: rateErr}, {err: rateErr}, {err: rateErr}, {err: rateErr},
	}}
	eng := newTestEngine(t, fake, nil, Options{Endpoint: "https://api.test/v1"})

	var sleeps []time.Duration
	restore := sleepFn
	sleepFn = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	defer func() { sleepFn = restore }()

	_, err := eng.Run(context.Background(), "hi", RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded after 3 retries") {
		t.Fatalf("expected fatal rate limit error, got: %v", err)
	}
	if fake.calls != 4 {
		t.Fatalf("expected 4 attempts (1 initial + 3 retries), got %d", fake.calls)
	}
	want := []time.Duration{20 * time.Second, 40 * time.Second, 60 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleep count mismatch: %v", sleeps)
	}
	for i, d := range want {
		if sleeps[i] != d {
			t.Fatalf("sleep %d = %v, want %v", i, sleeps[i], d)
		}
	}
}

func TestRunRateLimitRecovers(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{err: errors.New("429: please retry after 3 seconds")},
		{msg: &schema.Message{Role: schema.Assistant, Content: "fine now"}},
	}}
	eng := newTestEngine(t, fake, nil, Options{})

	var sleeps []time.Duration
	restore := sleepFn
	sleepFn = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	defer func() { sleepFn = restore }()

	answer, err := eng.Run(context.Background(), "hi", RunOptions{})
	if err != nil || answer != "fine now" {
		t.Fatalf("recovery failed: %q, %v", answer, err)
	}
	if len(sleeps) != 1 || sleeps[0] != 8*time.Second {
		t.Fatalf("suggested wait not honored: %v", sleeps)
	}
}

func TestRunConnectionErrorCarriesEndpoint(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{err: errors.New("dial tcp 10.0.0.1:443: connection refused")},
	}}
	eng := newTestEngine(t, fake, nil, Options{Endpoint: "https://api.test/v1"})

	_, err := eng.Run(context.Background(), "hi", RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "https://api.test/v1") {
		t.Fatalf("endpoint missing from connection error: %v", err)
	}
	if fake.calls != 1 {
		t.Fatalf("connection errors must not be retried, got %d calls", fake.calls)
	}
}

func TestRunCancelledBeforeFirstIteration(t *testing.T) {
	fake := &fakeChatModel{}
	eng := newTestEngine(t, fake, nil, Options{})

	eng.Cancel()
	answer, err := eng.Run(context.Background(), "hi", RunOptions{})
	if err != nil {
		t.Fatalf("cancellation surfaced as error: %v", err)
	}
	if answer != "Operation cancelled by user." {
		t.Fatalf("unexpected cancellation answer: %q", answer)
	}
	if fake.calls != 0 {
		t.Fatalf("model called despite cancellation")
	}

	// The flag is cleared on exit; the next run proceeds normally.
	fake.steps = []modelStep{{msg: &schema.Message{Role: schema.Assistant, Content: "back"}}}
	answer, err = eng.Run(context.Background(), "again", RunOptions{})
	if err != nil || answer != "back" {
		t.Fatalf("flag not cleared: %q, %v", answer, err)
	}
}

func TestRunMaxIterationsExhausted(t *testing.T) {
	var steps []modelStep
	for i := 0; i < 5; i++ {
		steps = append(steps, modelStep{msg: assistantWithCall(fmt.Sprintf("c%d", i), "query", `{"sql":"SELECT 1"}`)})
	}
	fake := &fakeChatModel{steps: steps}
	tools := &fakeTools{results: map[string]string{"query": "| a |\n| --- |\n| 1 |"}}
	eng := newTestEngine(t, fake, tools, Options{MaxIterations: 3})

	answer, err := eng.Run(context.Background(), "loop", RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(answer, "Maximum iterations reached without completion.") {
		t.Fatalf("unexpected exhaustion answer: %q", answer)
	}
	if eng.Metadata().Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", eng.Metadata().Iterations)
	}
}

func TestRunMaxIterationsKeepsCapturedWork(t *testing.T) {
	var modelSteps []modelStep
	for i := 0; i < 2; i++ {
		modelSteps = append(modelSteps, modelStep{
			msg: assistantWithCall(fmt.Sprintf("c%d", i), "query", `{"sql":"SELECT id FROM vehicles","plan":"list ids"}`),
		})
	}
	fake := &fakeChatModel{steps: modelSteps}
	tools := &fakeTools{results: map[string]string{"query": "| id |\n| --- |\n| 1 |\n| 2 |"}}
	eng := newTestEngine(t, fake, tools, Options{MaxIterations: 2})

	answer, err := eng.Run(context.Background(), "list them", RunOptions{})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !strings.Contains(answer, "Maximum iterations reached without completion.") {
		t.Fatalf("exhaustion notice missing: %q", answer)
	}
	if !strings.Contains(answer, "```sql\nSELECT id FROM vehicles\n```") {
		t.Fatalf("sql block dropped on exhaustion: %q", answer)
	}
	if !strings.Contains(answer, "[PLAN:list ids]") {
		t.Fatalf("plan marker dropped on exhaustion: %q", answer)
	}
	if !strings.Contains(answer, "| id |\n| --- |\n| 1 |\n| 2 |") {
		t.Fatalf("result table dropped on exhaustion: %q", answer)
	}
}

func TestRunInsertsSystemPromptOnce(t *testing.T) {
	fake := &fakeChatModel{steps: []modelStep{
		{msg: &schema.Message{Role: schema.Assistant, Content: "one"}},
		{msg: &schema.Message{Role: schema.Assistant, Content: "two"}},
	}}
	eng := newTestEngine(t, fake, nil, Options{SystemPrompt: "sys"})

	if _, err := eng.Run(context.Background(), "first", RunOptions{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := eng.Run(context.Background(), "second", RunOptions{}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	systems := 0
	for _, m := range eng.Messages() {
		if m.Role == schema.System {
			systems++
		}
	}
	if systems != 1 {
		t.Fatalf("system messages = %d, want 1", systems)
	}
}
