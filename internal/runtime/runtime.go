package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"dbchat/internal/agent"
	"dbchat/internal/config"
	"dbchat/internal/datasvc"
	"dbchat/internal/history"
	"dbchat/internal/models"
	"dbchat/internal/schemadoc"
	"dbchat/internal/tools"
)

// minWallTimeout floors the whole-run deadline; a var so tests can
// shrink it.
var minWallTimeout = 300 * time.Second

const defaultSystemPrompt = "You are a database analysis assistant. You help the user explore, query and " +
	"document the active project database. Use the query tool to run SQL, the schema tool to inspect and " +
	"update table and field documentation, and the chart tool to visualize results. Always include a short " +
	"plan argument describing the intent of each query. Answer concisely and base every claim on query results."

// chatEngine is the slice of the agent engine the coordinator drives.
type chatEngine interface {
	Run(ctx context.Context, prompt string, opts agent.RunOptions) (string, error)
	Install(msgs []*schema.Message)
	Messages() []*schema.Message
	Cancel()
	Metadata() models.ExecutionMetadata
	Trace() *agent.RunTrace
}

// newEngine builds the real engine; swapped out in tests.
var newEngine = func(ctx context.Context, cfg *config.Config, reg *tools.Registry) (chatEngine, error) {
	chatModel, endpoint, modelName, err := agent.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	systemPrompt := cfg.Agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	return agent.NewEngine(ctx, chatModel, reg, agent.Options{
		SystemPrompt:  systemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
		RecentKeep:    cfg.Agent.MaxHistoryMessages,
		CallTimeout:   time.Duration(cfg.Agent.CallTimeoutSeconds) * time.Second,
		ModelName:     modelName,
		Endpoint:      endpoint,
	})
}

// ChatRequest is one conversational turn.
type ChatRequest struct {
	Message   string
	Project   string
	Database  string
	SessionID string
	Reset     bool
	Images    []string
	OnStep    func(string)
}

// ChatResult is the outcome returned to the caller.
type ChatResult struct {
	Reply     string                   `json:"reply"`
	SessionID string                   `json:"session_id"`
	Project   string                   `json:"project"`
	Metadata  models.ExecutionMetadata `json:"metadata"`
}

// Coordinator owns the single shared agent engine and the active
// project pointer. The run lock totally orders chat runs; a separate
// metadata lock serializes direct query and schema operations so a
// long chat never blocks metadata edits.
type Coordinator struct {
	cfg      *config.Config
	data     *datasvc.Service
	store    *history.Store
	active   *tools.ActiveProject
	registry *tools.Registry

	initMu sync.Mutex
	engine chatEngine

	runMu  sync.Mutex
	metaMu sync.Mutex
}

func New(cfg *config.Config, data *datasvc.Service, store *history.Store) *Coordinator {
	active := &tools.ActiveProject{}
	return &Coordinator{
		cfg:      cfg,
		data:     data,
		store:    store,
		active:   active,
		registry: tools.NewRegistry(data, active),
	}
}

// ensureEngine creates the engine on first use, once.
func (c *Coordinator) ensureEngine(ctx context.Context) (chatEngine, error) {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.engine != nil {
		return c.engine, nil
	}
	eng, err := newEngine(ctx, c.cfg, c.registry)
	if err != nil {
		return nil, fmt.Errorf("init agent: %w", err)
	}
	c.engine = eng
	return eng, nil
}

// CancelChat flips the engine's cooperative cancellation flag.
func (c *Coordinator) CancelChat() {
	c.initMu.Lock()
	eng := c.engine
	c.initMu.Unlock()
	if eng != nil {
		eng.Cancel()
	}
}

// RunChat executes one turn against the shared engine and persists the
// updated session.
func (c *Coordinator) RunChat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, errors.New("message must not be empty")
	}
	eng, err := c.ensureEngine(ctx)
	if err != nil {
		return nil, err
	}

	reply, sess, msgs, meta, runErr := c.runLocked(ctx, eng, req)
	if sess != nil {
		// Persistence stays outside the run lock so concurrent saves of
		// different sessions do not serialize behind the engine.
		c.persistSession(sess, msgs)
	}
	if runErr != nil {
		return nil, runErr
	}
	return &ChatResult{
		Reply:     reply,
		SessionID: sess.ID,
		Project:   sess.Project,
		Metadata:  meta,
	}, nil
}

func (c *Coordinator) runLocked(ctx context.Context, eng chatEngine, req ChatRequest) (string, *models.Session, []*schema.Message, models.ExecutionMetadata, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()

	_, current := c.active.Get()
	target, err := c.data.Resolve(req.Database, req.Project, current)
	if err != nil {
		return "", nil, nil, models.ExecutionMetadata{}, err
	}
	c.active.Set(target.Name, target.Path)

	sess := &models.Session{ID: req.SessionID, Project: target.Name}
	if req.SessionID != "" && !req.Reset {
		loaded, err := c.store.GetSession(ctx, req.SessionID)
		switch {
		case err == nil:
			sess = loaded
			sess.Project = target.Name
			eng.Install(toSchema(sess.Messages))
		case errors.Is(err, history.ErrNotFound):
			eng.Install(nil)
		default:
			return "", nil, nil, models.ExecutionMetadata{}, err
		}
	} else {
		eng.Install(nil)
	}

	prompt := contextPrefix(target) + req.Message
	reply, runErr := c.execute(ctx, eng, prompt, req)

	msgs := make([]*schema.Message, len(eng.Messages()))
	copy(msgs, eng.Messages())
	return reply, sess, msgs, eng.Metadata(), runErr
}

// execute wraps the run in the wall-clock timeout and applies the
// corruption recovery: one wholesale reset-and-retry, invisible to the
// caller.
func (c *Coordinator) execute(ctx context.Context, eng chatEngine, prompt string, req ChatRequest) (string, error) {
	timeout := c.wallTimeout()
	var wallExpired bool
	run := func(reset bool) (string, error) {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		reply, err := eng.Run(runCtx, prompt, agent.RunOptions{
			Reset:  reset,
			Images: req.Images,
			OnStep: req.OnStep,
		})
		// A per-call provider timeout also surfaces as DeadlineExceeded;
		// only the run context expiring counts as the wall timeout.
		wallExpired = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		return reply, err
	}

	reply, err := run(req.Reset)
	if err != nil && agent.IsCorruptedConversation(err) {
		log.Printf("corrupted conversation detected, resetting session and retrying: %v", err)
		eng.Install(nil)
		reply, err = run(true)
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && wallExpired && ctx.Err() == nil {
		// The engine stopped at the deadline; hand back whatever the run
		// captured before time ran out.
		msg := fmt.Sprintf("The request timed out after %.0f seconds before a final answer was produced.", timeout.Seconds())
		return agent.PostProcess(msg, eng.Trace()), nil
	}
	return reply, err
}

// AssistQuery asks the shared agent to fix or complete a SQL
// statement, under the run lock. The reply is the bare SQL with any
// markdown fences stripped.
func (c *Coordinator) AssistQuery(ctx context.Context, sqlText, database, project string) (string, error) {
	if strings.TrimSpace(sqlText) == "" {
		return "", errors.New("sql must not be empty")
	}
	eng, err := c.ensureEngine(ctx)
	if err != nil {
		return "", err
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()

	target, err := c.resolveAndActivate(database, project)
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("[Context: You are working with the '%s' project.]\n"+
		"You are an expert SQL assistant. The user has written the following SQL query, "+
		"which may contain comments describing what they want to do.\n"+
		"Please fix the query or implement the logic described in the comments.\n"+
		"Return ONLY the valid SQL query. Do not include markdown formatting "+
		"(like ```sql ... ```) or explanations.\n\nQuery:\n%s", target.Name, sqlText)

	reply, err := c.runAgent(ctx, eng, prompt)
	if err != nil {
		return "", err
	}
	return stripSQLFences(reply), nil
}

// DescribeField asks the shared agent to draft documentation for one
// field: a short label or a longer prose description, seeded with
// whatever the schema docs already know.
func (c *Coordinator) DescribeField(ctx context.Context, database, project, table, field, descriptionType string) (string, error) {
	if table == "" || field == "" {
		return "", errors.New("table and field are required")
	}
	eng, err := c.ensureEngine(ctx)
	if err != nil {
		return "", err
	}
	c.runMu.Lock()
	defer c.runMu.Unlock()

	target, err := c.resolveAndActivate(database, project)
	if err != nil {
		return "", err
	}
	docs, err := schemadoc.Open(target.Path)
	if err != nil {
		return "", err
	}
	tableDoc, _ := docs.Table(table)
	fieldDoc, _ := docs.Field(table, field)
	dataType := fieldDoc.DataType
	if dataType == "" {
		dataType = "unknown"
	}

	var b strings.Builder
	if descriptionType == "short" {
		b.WriteString("You are assisting with documenting database schemas. " +
			"Write a brief short description for the given field.\n" +
			"Keep it very concise (5-10 words maximum), use plain text, and avoid Markdown formatting.\n" +
			"The description should be a brief phrase or label that summarizes what this field contains.\n")
	} else {
		b.WriteString("You are assisting with documenting database schemas. " +
			"Write a rich long description for the given field.\n" +
			"Keep it concise (2-3 sentences), use plain text, and avoid Markdown formatting.\n")
	}
	fmt.Fprintf(&b, "\nTable: %s\nField: %s\nData type: %s\n", table, field, dataType)
	if fieldDoc.Description != "" {
		fmt.Fprintf(&b, "Current description: %s\n", fieldDoc.Description)
	}
	if tableDoc.ShortDescription != "" || tableDoc.LongDescription != "" {
		fmt.Fprintf(&b, "Table context: %s\n",
			strings.TrimSpace(tableDoc.ShortDescription+" "+tableDoc.LongDescription))
	}

	reply, err := c.runAgent(ctx, eng, b.String())
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

// runAgent executes one helper prompt against the shared engine.
// Callers hold the run lock.
func (c *Coordinator) runAgent(ctx context.Context, eng chatEngine, prompt string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, c.wallTimeout())
	defer cancel()
	return eng.Run(runCtx, prompt, agent.RunOptions{})
}

func (c *Coordinator) resolveAndActivate(database, project string) (datasvc.ProjectInfo, error) {
	_, current := c.active.Get()
	target, err := c.data.Resolve(database, project, current)
	if err != nil {
		return datasvc.ProjectInfo{}, err
	}
	c.active.Set(target.Name, target.Path)
	return target, nil
}

var (
	leadingFencePattern  = regexp.MustCompile("^```[A-Za-z]*[ \t]*\n?")
	trailingFencePattern = regexp.MustCompile("\n?[ \t]*```$")
)

// stripSQLFences drops the markdown code fences models sometimes wrap
// around a bare-SQL answer despite instructions.
func stripSQLFences(s string) string {
	s = strings.TrimSpace(s)
	s = leadingFencePattern.ReplaceAllString(s, "")
	s = trailingFencePattern.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func (c *Coordinator) wallTimeout() time.Duration {
	timeout := 5 * time.Duration(c.cfg.Agent.CallTimeoutSeconds) * time.Second
	if timeout < minWallTimeout {
		timeout = minWallTimeout
	}
	return timeout
}

// persistSession stores the engine's conversation, stripping the
// internal context prefix from user turns first.
func (c *Coordinator) persistSession(sess *models.Session, msgs []*schema.Message) {
	sess.Messages = sess.Messages[:0]
	for _, m := range msgs {
		mm := models.FromSchema(m)
		if mm.Role == models.RoleUser {
			mm.Content = stripContextPrefix(mm.Content)
		}
		sess.Messages = append(sess.Messages, mm)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.store.SaveSession(ctx, sess); err != nil {
		log.Printf("persist session %s failed: %v", sess.ID, err)
	}
}

func contextPrefix(target datasvc.ProjectInfo) string {
	return fmt.Sprintf("[Context: You are currently working with the '%s' project. "+
		"The database '%s' is already selected and active. You do not need to specify "+
		"database or project parameters in tool calls.]\n\n", target.Name, target.Path)
}

func stripContextPrefix(content string) string {
	if !strings.HasPrefix(content, "[Context:") {
		return content
	}
	if idx := strings.Index(content, "]\n\n"); idx >= 0 {
		return content[idx+3:]
	}
	return content
}

func toSchema(msgs []*models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ToSchema())
	}
	return out
}

// Projects lists the discovered project databases.
func (c *Coordinator) Projects() ([]datasvc.ProjectInfo, error) {
	return c.data.Discover()
}

// Sessions lists persisted sessions for a project.
func (c *Coordinator) Sessions(ctx context.Context, project string) ([]models.SessionSummary, error) {
	return c.store.ListSessions(ctx, project)
}

// Session loads one persisted session.
func (c *Coordinator) Session(ctx context.Context, id string) (*models.Session, error) {
	return c.store.GetSession(ctx, id)
}

// DeleteSession removes one persisted session.
func (c *Coordinator) DeleteSession(ctx context.Context, id string) error {
	return c.store.DeleteSession(ctx, id)
}

// Query runs SQL directly, without the agent, under the metadata lock.
func (c *Coordinator) Query(ctx context.Context, sqlText, database, project string) (*models.QueryResult, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	target, err := c.resolve(database, project)
	if err != nil {
		return nil, err
	}
	return c.data.Execute(ctx, target.Path, sqlText)
}

// Tables lists the tables of the resolved database.
func (c *Coordinator) Tables(ctx context.Context, database, project string) ([]string, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	target, err := c.resolve(database, project)
	if err != nil {
		return nil, err
	}
	return c.data.Tables(ctx, target.Path)
}

// UpdateTableDoc edits table documentation under the metadata lock.
func (c *Coordinator) UpdateTableDoc(database, project, table, short, long string) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	docs, err := c.openDocs(database, project)
	if err != nil {
		return err
	}
	return docs.UpdateTable(table, short, long)
}

// UpdateFieldDoc edits field documentation under the metadata lock.
func (c *Coordinator) UpdateFieldDoc(database, project, table, field, description, dataType, nullability string) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	docs, err := c.openDocs(database, project)
	if err != nil {
		return err
	}
	return docs.UpdateField(table, field, description, dataType, nullability)
}

// SavedQueries lists saved queries for the resolved database.
func (c *Coordinator) SavedQueries(database, project string) ([]schemadoc.SavedQuery, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	docs, err := c.openDocs(database, project)
	if err != nil {
		return nil, err
	}
	return docs.SavedQueries(), nil
}

// SaveQuery records a named query for the resolved database.
func (c *Coordinator) SaveQuery(database, project, name, description, sqlText string) (schemadoc.SavedQuery, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	docs, err := c.openDocs(database, project)
	if err != nil {
		return schemadoc.SavedQuery{}, err
	}
	return docs.SaveQuery(name, description, sqlText)
}

// DeleteQuery removes a saved query for the resolved database.
func (c *Coordinator) DeleteQuery(database, project, id string) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	docs, err := c.openDocs(database, project)
	if err != nil {
		return err
	}
	return docs.DeleteQuery(id)
}

func (c *Coordinator) resolve(database, project string) (datasvc.ProjectInfo, error) {
	_, current := c.active.Get()
	return c.data.Resolve(database, project, current)
}

func (c *Coordinator) openDocs(database, project string) (*schemadoc.Manager, error) {
	target, err := c.resolve(database, project)
	if err != nil {
		return nil, err
	}
	return schemadoc.Open(target.Path)
}
