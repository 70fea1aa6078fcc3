package runtime

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	_ "github.com/mattn/go-sqlite3"

	"dbchat/internal/agent"
	"dbchat/internal/config"
	"dbchat/internal/datasvc"
	"dbchat/internal/history"
	"dbchat/internal/models"
	"dbchat/internal/storage"
	"dbchat/internal/tools"
)

type fakeEngine struct {
	replies  []string
	errs     []error
	calls    int
	installs [][]*schema.Message
	prompts  []string
	resets   []bool
	msgs     []*schema.Message
	canceled bool
	trace    *agent.RunTrace
	waitCtx  bool
}

func (f *fakeEngine) Run(ctx context.Context, prompt string, opts agent.RunOptions) (string, error) {
	f.prompts = append(f.prompts, prompt)
	f.resets = append(f.resets, opts.Reset)
	i := f.calls
	f.calls++
	if f.waitCtx {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	reply := "ok"
	if i < len(f.replies) {
		reply = f.replies[i]
	}
	f.msgs = append(f.msgs,
		&schema.Message{Role: schema.User, Content: prompt},
		&schema.Message{Role: schema.Assistant, Content: reply},
	)
	return reply, nil
}

func (f *fakeEngine) Install(msgs []*schema.Message) {
	f.installs = append(f.installs, msgs)
	f.msgs = append([]*schema.Message(nil), msgs...)
}

func (f *fakeEngine) Messages() []*schema.Message { return f.msgs }
func (f *fakeEngine) Cancel()                     { f.canceled = true }
func (f *fakeEngine) Metadata() models.ExecutionMetadata {
	return models.ExecutionMetadata{Model: "fake", APICalls: f.calls}
}
func (f *fakeEngine) Trace() *agent.RunTrace {
	if f.trace != nil {
		return f.trace
	}
	return &agent.RunTrace{}
}

func testCoordinator(t *testing.T, fake *fakeEngine) (*Coordinator, *history.Store) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fleet.db"), nil, 0o644); err != nil {
		t.Fatalf("seed project file: %v", err)
	}

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Every pooled connection would see its own empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{Agent: config.AgentConfig{CallTimeoutSeconds: 60}}
	data := datasvc.New([]string{dir}, "", 0)
	store := history.New(db, nil, nil)

	restore := newEngine
	newEngine = func(ctx context.Context, cfg *config.Config, reg *tools.Registry) (chatEngine, error) {
		return fake, nil
	}
	t.Cleanup(func() { newEngine = restore })
	return New(cfg, data, store), store
}

func TestRunChatHappyPath(t *testing.T) {
	fake := &fakeEngine{replies: []string{"There are 3 vehicles."}}
	c, store := testCoordinator(t, fake)

	res, err := c.RunChat(context.Background(), ChatRequest{Message: "how many vehicles?"})
	if err != nil {
		t.Fatalf("run chat: %v", err)
	}
	if res.Reply != "There are 3 vehicles." || res.SessionID == "" || res.Project != "fleet" {
		t.Fatalf("unexpected result: %+v", res)
	}

	if len(fake.prompts) != 1 {
		t.Fatalf("expected one run, got %d", len(fake.prompts))
	}
	prompt := fake.prompts[0]
	if !strings.HasPrefix(prompt, "[Context: You are currently working with the 'fleet' project.") {
		t.Fatalf("context prefix missing: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "how many vehicles?") {
		t.Fatalf("user message missing from prompt: %q", prompt)
	}

	// The persisted user turn carries the bare message, not the prefix.
	sess, err := store.GetSession(context.Background(), res.SessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(sess.Messages) != 2 || sess.Messages[0].Content != "how many vehicles?" {
		t.Fatalf("context prefix not stripped on persist: %+v", sess.Messages)
	}
}

func TestRunChatRejectsEmptyMessage(t *testing.T) {
	c, _ := testCoordinator(t, &fakeEngine{})
	if _, err := c.RunChat(context.Background(), ChatRequest{Message: "   "}); err == nil {
		t.Fatalf("expected error for empty message")
	}
}

func TestRunChatCorruptionRetriesOnceInvisibly(t *testing.T) {
	corruption := errors.New("invalid request: tool_call message without preceding assistant tool_calls")
	fake := &fakeEngine{
		errs:    []error{corruption, nil},
		replies: []string{"", "recovered"},
	}
	c, _ := testCoordinator(t, fake)

	res, err := c.RunChat(context.Background(), ChatRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("corruption leaked to caller: %v", err)
	}
	if res.Reply != "recovered" {
		t.Fatalf("unexpected reply: %q", res.Reply)
	}
	if fake.calls != 2 {
		t.Fatalf("expected exactly one retry, got %d runs", fake.calls)
	}
	if !fake.resets[1] {
		t.Fatalf("retry did not reset the conversation")
	}
	// The retry happens on a wiped conversation.
	last := fake.installs[len(fake.installs)-1]
	if last != nil {
		t.Fatalf("conversation not wiped before retry: %+v", last)
	}
}

func TestRunChatTimeoutSynthesizesPartialReply(t *testing.T) {
	fake := &fakeEngine{
		waitCtx: true,
		trace:   &agent.RunTrace{LastSQL: "SELECT COUNT(*) FROM vehicles", LastPlan: "count rows"},
	}
	c, _ := testCoordinator(t, fake)
	c.cfg.Agent.CallTimeoutSeconds = 0
	restore := minWallTimeout
	minWallTimeout = 20 * time.Millisecond
	defer func() { minWallTimeout = restore }()

	res, err := c.RunChat(context.Background(), ChatRequest{Message: "slow question"})
	if err != nil {
		t.Fatalf("timeout surfaced as error: %v", err)
	}
	if !strings.Contains(res.Reply, "timed out after") {
		t.Fatalf("timeout notice missing: %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "```sql\nSELECT COUNT(*) FROM vehicles\n```") {
		t.Fatalf("partial work not attached: %q", res.Reply)
	}
}

func TestRunChatPerCallTimeoutSurfacesAsError(t *testing.T) {
	// The engine reports a per-call provider deadline; the run context
	// is still alive, so this is not the wall timeout.
	fake := &fakeEngine{errs: []error{context.DeadlineExceeded}}
	c, _ := testCoordinator(t, fake)

	_, err := c.RunChat(context.Background(), ChatRequest{Message: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("per-call timeout misreported: %v", err)
	}
}

func TestRunChatResumesExistingSession(t *testing.T) {
	fake := &fakeEngine{replies: []string{"continuing"}}
	c, store := testCoordinator(t, fake)
	ctx := context.Background()

	prior := &models.Session{
		Project: "fleet",
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: "earlier question"},
			{Role: models.RoleAssistant, Content: "earlier answer"},
		},
	}
	if err := store.SaveSession(ctx, prior); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	res, err := c.RunChat(ctx, ChatRequest{Message: "follow up", SessionID: prior.ID})
	if err != nil {
		t.Fatalf("run chat: %v", err)
	}
	if res.SessionID != prior.ID {
		t.Fatalf("session id changed: %q vs %q", res.SessionID, prior.ID)
	}
	if len(fake.installs) != 1 || len(fake.installs[0]) != 2 {
		t.Fatalf("prior history not installed: %+v", fake.installs)
	}

	saved, err := store.GetSession(ctx, prior.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(saved.Messages) != 4 {
		t.Fatalf("history not extended: %d messages", len(saved.Messages))
	}
}

func TestRunChatResetStartsFresh(t *testing.T) {
	fake := &fakeEngine{replies: []string{"fresh"}}
	c, store := testCoordinator(t, fake)
	ctx := context.Background()

	prior := &models.Session{
		Project:  "fleet",
		Messages: []*models.Message{{Role: models.RoleUser, Content: "old"}},
	}
	if err := store.SaveSession(ctx, prior); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	if _, err := c.RunChat(ctx, ChatRequest{Message: "start over", SessionID: prior.ID, Reset: true}); err != nil {
		t.Fatalf("run chat: %v", err)
	}
	if len(fake.installs) != 1 || fake.installs[0] != nil {
		t.Fatalf("reset did not wipe the conversation: %+v", fake.installs)
	}
}

func TestCancelChat(t *testing.T) {
	fake := &fakeEngine{}
	c, _ := testCoordinator(t, fake)

	// Before first use there is no engine; cancel must be a no-op.
	c.CancelChat()
	if fake.canceled {
		t.Fatalf("cancel reached an engine that does not exist yet")
	}

	if _, err := c.RunChat(context.Background(), ChatRequest{Message: "hi"}); err != nil {
		t.Fatalf("run chat: %v", err)
	}
	c.CancelChat()
	if !fake.canceled {
		t.Fatalf("cancel not forwarded to engine")
	}
}

func TestAssistQueryStripsFences(t *testing.T) {
	fake := &fakeEngine{replies: []string{"```sql\nSELECT id FROM vehicles WHERE capacity > 4\n```"}}
	c, _ := testCoordinator(t, fake)

	got, err := c.AssistQuery(context.Background(), "SELECT id FROM vehicles -- big only", "", "")
	if err != nil {
		t.Fatalf("assist query: %v", err)
	}
	if got != "SELECT id FROM vehicles WHERE capacity > 4" {
		t.Fatalf("fences not stripped: %q", got)
	}

	prompt := fake.prompts[0]
	if !strings.Contains(prompt, "Return ONLY the valid SQL query") {
		t.Fatalf("instruction missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "SELECT id FROM vehicles -- big only") {
		t.Fatalf("user sql missing from prompt: %q", prompt)
	}
	if !strings.Contains(prompt, "'fleet' project") {
		t.Fatalf("project context missing from prompt: %q", prompt)
	}
}

func TestAssistQueryPassesBareSQLThrough(t *testing.T) {
	fake := &fakeEngine{replies: []string{"  SELECT 1  "}}
	c, _ := testCoordinator(t, fake)

	got, err := c.AssistQuery(context.Background(), "SELECT 1", "", "")
	if err != nil {
		t.Fatalf("assist query: %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("unexpected sql: %q", got)
	}
}

func TestAssistQueryRejectsEmptySQL(t *testing.T) {
	c, _ := testCoordinator(t, &fakeEngine{})
	if _, err := c.AssistQuery(context.Background(), "   ", "", ""); err == nil {
		t.Fatalf("expected error for empty sql")
	}
}

func TestDescribeFieldShortPrompt(t *testing.T) {
	fake := &fakeEngine{replies: []string{" Number of passenger seats \n"}}
	c, _ := testCoordinator(t, fake)

	// Seed existing docs so the prompt carries them.
	if err := c.UpdateTableDoc("", "", "vehicles", "Vehicle catalog", ""); err != nil {
		t.Fatalf("seed table doc: %v", err)
	}
	if err := c.UpdateFieldDoc("", "", "vehicles", "capacity", "Seats", "INTEGER", ""); err != nil {
		t.Fatalf("seed field doc: %v", err)
	}

	got, err := c.DescribeField(context.Background(), "", "", "vehicles", "capacity", "short")
	if err != nil {
		t.Fatalf("describe field: %v", err)
	}
	if got != "Number of passenger seats" {
		t.Fatalf("reply not trimmed: %q", got)
	}

	prompt := fake.prompts[0]
	for _, want := range []string{
		"5-10 words maximum",
		"Table: vehicles",
		"Field: capacity",
		"Data type: INTEGER",
		"Current description: Seats",
		"Table context: Vehicle catalog",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestDescribeFieldLongPromptUndocumentedField(t *testing.T) {
	fake := &fakeEngine{replies: []string{"Seats available in the vehicle."}}
	c, _ := testCoordinator(t, fake)

	if _, err := c.DescribeField(context.Background(), "", "", "vehicles", "capacity", "long"); err != nil {
		t.Fatalf("describe field: %v", err)
	}
	prompt := fake.prompts[0]
	if !strings.Contains(prompt, "2-3 sentences") {
		t.Fatalf("long instruction missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Data type: unknown") {
		t.Fatalf("unknown data type not stated:\n%s", prompt)
	}
	if strings.Contains(prompt, "Current description:") {
		t.Fatalf("stale description line on undocumented field:\n%s", prompt)
	}
}

func TestDescribeFieldRequiresTableAndField(t *testing.T) {
	c, _ := testCoordinator(t, &fakeEngine{})
	if _, err := c.DescribeField(context.Background(), "", "", "", "capacity", "short"); err == nil {
		t.Fatalf("expected error for missing table")
	}
	if _, err := c.DescribeField(context.Background(), "", "", "vehicles", "", "short"); err == nil {
		t.Fatalf("expected error for missing field")
	}
}

func TestStripSQLFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"```sql\nSELECT 1\n```", "SELECT 1"},
		{"```SQL\nSELECT 1\n```", "SELECT 1"},
		{"```\nSELECT 1\n```", "SELECT 1"},
		{"SELECT 1", "SELECT 1"},
		{"SELECT '```sql'", "SELECT '```sql'"},
	}
	for _, tc := range cases {
		if got := stripSQLFences(tc.in); got != tc.want {
			t.Fatalf("stripSQLFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestWallTimeoutScalesWithCallTimeout(t *testing.T) {
	c, _ := testCoordinator(t, &fakeEngine{})
	if got := c.wallTimeout(); got.Seconds() != 300 {
		t.Fatalf("default wall timeout = %v", got)
	}
	c.cfg.Agent.CallTimeoutSeconds = 100
	if got := c.wallTimeout(); got.Seconds() != 500 {
		t.Fatalf("scaled wall timeout = %v", got)
	}
}
