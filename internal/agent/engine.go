package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"dbchat/internal/models"
)

const (
	maxToolResultChars = 50000

	cancelledAnswer     = "Operation cancelled by user."
	maxIterationsAnswer = "Maximum iterations reached without completion."
)

// sleepFn pauses between rate-limit retries; swapped out in tests.
var sleepFn = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ToolSource supplies tool declarations and dispatches calls. The tool
// registry satisfies this.
type ToolSource interface {
	Infos(ctx context.Context) ([]*schema.ToolInfo, error)
	Dispatch(ctx context.Context, name, arguments string) string
}

// Options tunes one engine instance.
type Options struct {
	SystemPrompt  string
	MaxIterations int
	RecentKeep    int
	CallTimeout   time.Duration
	ModelName     string
	Endpoint      string
}

// RunOptions applies to a single run.
type RunOptions struct {
	// Reset clears the conversation before the run.
	Reset bool
	// Images are inline data-URL image parts for the user turn.
	Images []string
	// OnStep receives human-readable progress strings. Observational
	// only; must not affect control flow.
	OnStep func(string)
}

// RunTrace is what one run captured for the post-processor.
type RunTrace struct {
	LastSQL      string
	LastPlan     string
	ChartJSON    string
	QueryResults []string
}

// Engine drives the conversational tool-calling loop: submit the
// conversation, dispatch requested tool calls, feed results back,
// repeat until the model answers in plain text or a budget runs out.
type Engine struct {
	model model.ToolCallingChatModel
	tools ToolSource
	opts  Options

	conv      *Conversation
	cancelled atomic.Bool
	meta      models.ExecutionMetadata
	trace     *RunTrace
}

// NewEngine binds the registry's tools to the chat model and returns a
// ready engine.
func NewEngine(ctx context.Context, chatModel model.ToolCallingChatModel, tools ToolSource, opts Options) (*Engine, error) {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 8
	}
	if opts.RecentKeep <= 0 {
		opts.RecentKeep = 20
	}
	infos, err := tools.Infos(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) > 0 {
		bound, err := chatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("bind tools: %w", err)
		}
		chatModel = bound
	}
	return &Engine{
		model: chatModel,
		tools: tools,
		opts:  opts,
		conv:  NewConversation(),
		trace: &RunTrace{},
	}, nil
}

// Cancel requests a cooperative stop; the loop honors it at the next
// iteration boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Install replaces the conversation with a restored history, repairing
// any unmatched tool calls first.
func (e *Engine) Install(msgs []*schema.Message) {
	e.conv.ReplaceAll(msgs)
	e.conv.Sanitize()
}

// Messages exposes the current conversation buffer.
func (e *Engine) Messages() []*schema.Message {
	return e.conv.Messages()
}

// Metadata returns the summary of the most recent run.
func (e *Engine) Metadata() models.ExecutionMetadata {
	return e.meta
}

// Trace returns what the most recent run captured for post-processing.
func (e *Engine) Trace() *RunTrace {
	return e.trace
}

// Run executes one user turn and returns the post-processed answer.
// Tool failures never surface as errors; only provider failures do.
func (e *Engine) Run(ctx context.Context, prompt string, opts RunOptions) (string, error) {
	start := time.Now()
	e.meta = models.ExecutionMetadata{Model: e.opts.ModelName}
	e.trace = &RunTrace{}
	defer func() {
		e.meta.ElapsedSeconds = time.Since(start).Seconds()
	}()

	if opts.Reset {
		e.conv.ReplaceAll(nil)
	}
	if !e.conv.HasSystem() && e.opts.SystemPrompt != "" {
		e.conv.Prepend(schema.SystemMessage(e.opts.SystemPrompt))
	}
	e.conv.Append(userMessage(prompt, opts.Images))

	for iter := 1; iter <= e.opts.MaxIterations; iter++ {
		if e.cancelled.Swap(false) {
			return cancelledAnswer, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e.conv.Trim(e.opts.RecentKeep)

		step(opts.OnStep, "Thinking...")
		resp, err := e.generate(ctx)
		if err != nil {
			return "", err
		}
		e.conv.Append(resp)
		e.meta.Iterations = iter

		if len(resp.ToolCalls) == 0 {
			return PostProcess(resp.Content, e.trace), nil
		}
		for _, tc := range resp.ToolCalls {
			name := tc.Function.Name
			e.meta.ToolsUsed = append(e.meta.ToolsUsed, models.ToolUse{
				Name:      name,
				Arguments: tc.Function.Arguments,
				ID:        tc.ID,
			})
			step(opts.OnStep, fmt.Sprintf("Executing %s...", name))
			started := time.Now()
			result := e.tools.Dispatch(ctx, name, tc.Function.Arguments)
			step(opts.OnStep, fmt.Sprintf("Finished %s (%.1fs)", name, time.Since(started).Seconds()))
			e.capture(name, tc.Function.Arguments, result)
			e.conv.Append(&schema.Message{
				Role:       schema.Tool,
				Content:    truncateResult(result),
				ToolCallID: tc.ID,
			})
		}
	}
	return PostProcess(maxIterationsAnswer, e.trace), nil
}

// generate submits the conversation, retrying rate limits with a wait
// parsed from the provider's message when available.
func (e *Engine) generate(ctx context.Context) (*schema.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRateLimitRetries; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if e.opts.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
		}
		resp, err := e.model.Generate(callCtx, e.conv.Messages())
		if cancel != nil {
			cancel()
		}
		e.meta.APICalls++
		if err == nil {
			if resp.ResponseMeta != nil && resp.ResponseMeta.Usage != nil {
				e.meta.PromptTokens += resp.ResponseMeta.Usage.PromptTokens
				e.meta.CompletionTokens += resp.ResponseMeta.Usage.CompletionTokens
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if isRateLimit(err) {
			lastErr = err
			if attempt == maxRateLimitRetries {
				break
			}
			wait := retryWait(err, attempt+1)
			log.Printf("rate limited, waiting %s before retry %d/%d", wait, attempt+1, maxRateLimitRetries)
			if serr := sleepFn(ctx, wait); serr != nil {
				return nil, serr
			}
			continue
		}
		if isConnectionError(err) {
			return nil, fmt.Errorf("connection failed to chat endpoint %s: %w", e.opts.Endpoint, err)
		}
		return nil, err
	}
	return nil, fmt.Errorf("rate limit exceeded after %d retries against %s: %w",
		maxRateLimitRetries, e.opts.Endpoint, lastErr)
}

// capture records the SQL, plan, query output and chart payload of
// this run for the post-processor.
func (e *Engine) capture(name, arguments, result string) {
	switch name {
	case "query", "chart":
		var args struct {
			SQL  string `json:"sql"`
			Plan string `json:"plan"`
		}
		if err := json.Unmarshal([]byte(arguments), &args); err == nil {
			if args.SQL != "" {
				e.trace.LastSQL = args.SQL
			}
			if args.Plan != "" {
				e.trace.LastPlan = args.Plan
			}
		}
	default:
		return
	}
	if toolFailed(result) {
		return
	}
	if name == "query" {
		e.trace.QueryResults = append(e.trace.QueryResults, result)
	} else if strings.HasPrefix(strings.TrimSpace(result), "{") {
		e.trace.ChartJSON = strings.TrimSpace(result)
	}
}

func toolFailed(result string) bool {
	return strings.HasPrefix(result, "Error executing ") || strings.HasPrefix(result, "Unknown function: ")
}

func truncateResult(result string) string {
	if len(result) <= maxToolResultChars {
		return result
	}
	cut := len(result) - maxToolResultChars
	return result[:maxToolResultChars] + fmt.Sprintf("\n... [truncated %d characters]", cut)
}

func userMessage(prompt string, images []string) *schema.Message {
	msg := &schema.Message{Role: schema.User, Content: prompt}
	if len(images) > 0 {
		parts := []schema.ChatMessagePart{{
			Type: schema.ChatMessagePartTypeText,
			Text: prompt,
		}}
		for _, img := range images {
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: img},
			})
		}
		msg.MultiContent = parts
	}
	return msg
}

func step(cb func(string), msg string) {
	if cb != nil {
		cb(msg)
	}
}
