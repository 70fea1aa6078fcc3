package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dbchat/internal/datasvc"
	"dbchat/internal/history"
	"dbchat/internal/models"
	"dbchat/internal/runtime"
	"dbchat/internal/schemadoc"
)

// Runtime is the coordinator surface the handlers depend on.
type Runtime interface {
	RunChat(ctx context.Context, req runtime.ChatRequest) (*runtime.ChatResult, error)
	CancelChat()
	Projects() ([]datasvc.ProjectInfo, error)
	Sessions(ctx context.Context, project string) ([]models.SessionSummary, error)
	Session(ctx context.Context, id string) (*models.Session, error)
	DeleteSession(ctx context.Context, id string) error
	Query(ctx context.Context, sqlText, database, project string) (*models.QueryResult, error)
	AssistQuery(ctx context.Context, sqlText, database, project string) (string, error)
	DescribeField(ctx context.Context, database, project, table, field, descriptionType string) (string, error)
	Tables(ctx context.Context, database, project string) ([]string, error)
	UpdateTableDoc(database, project, table, short, long string) error
	UpdateFieldDoc(database, project, table, field, description, dataType, nullability string) error
	SavedQueries(database, project string) ([]schemadoc.SavedQuery, error)
	SaveQuery(database, project, name, description, sqlText string) (schemadoc.SavedQuery, error)
	DeleteQuery(database, project, id string) error
}

// Handler wires HTTP routes to the runtime coordinator.
type Handler struct {
	rt Runtime
}

// NewHandler constructs a Handler instance.
func NewHandler(rt Runtime) *Handler {
	return &Handler{rt: rt}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", h.chat)
	api.POST("/chat/stream", h.chatStream)
	api.POST("/chat/cancel", h.cancelChat)
	api.GET("/chat/history", h.listSessions)
	api.GET("/chat/history/:session_id", h.getSession)
	api.DELETE("/chat/history/:session_id", h.deleteSession)
	api.POST("/query", h.query)
	api.POST("/query/assist", h.assistQuery)
	api.GET("/projects", h.listProjects)
	api.GET("/tables", h.listTables)
	api.PATCH("/schema/tables/:table", h.updateTable)
	api.PATCH("/schema/tables/:table/fields/:field", h.updateField)
	api.POST("/schema/tables/:table/fields/:field/describe", h.describeField)
	api.GET("/queries", h.listQueries)
	api.POST("/queries", h.saveQuery)
	api.DELETE("/queries/:query_id", h.deleteQuery)
}

type chatRequest struct {
	Message   string   `json:"message"`
	Project   string   `json:"project"`
	Database  string   `json:"database"`
	SessionID string   `json:"session_id"`
	Reset     bool     `json:"reset"`
	Images    []string `json:"images"`
}

func (h *Handler) chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	result, err := h.rt.RunChat(c.Request.Context(), runtime.ChatRequest{
		Message:   req.Message,
		Project:   req.Project,
		Database:  req.Database,
		SessionID: req.SessionID,
		Reset:     req.Reset,
		Images:    req.Images,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type streamEvent struct {
	name string
	data any
}

// chatStream runs the same turn but emits progress events over SSE:
// status events while the engine works, then one response or error.
func (h *Handler) chatStream(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	events := make(chan streamEvent, 16)
	go func() {
		defer close(events)
		result, err := h.rt.RunChat(c.Request.Context(), runtime.ChatRequest{
			Message:   req.Message,
			Project:   req.Project,
			Database:  req.Database,
			SessionID: req.SessionID,
			Reset:     req.Reset,
			Images:    req.Images,
			OnStep: func(status string) {
				select {
				case events <- streamEvent{name: "status", data: gin.H{"status": status}}:
				default:
				}
			},
		})
		if err != nil {
			events <- streamEvent{name: "error", data: gin.H{"error": err.Error()}}
			return
		}
		events <- streamEvent{name: "response", data: result}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	for ev := range events {
		c.SSEvent(ev.name, ev.data)
		c.Writer.Flush()
	}
}

func (h *Handler) cancelChat(c *gin.Context) {
	h.rt.CancelChat()
	c.JSON(http.StatusOK, gin.H{"status": "cancellation requested"})
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.rt.Sessions(c.Request.Context(), c.Query("project"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.rt.Session(c.Request.Context(), c.Param("session_id"))
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handler) deleteSession(c *gin.Context) {
	if err := h.rt.DeleteSession(c.Request.Context(), c.Param("session_id")); err != nil {
		if errors.Is(err, history.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

type queryRequest struct {
	SQL      string `json:"sql"`
	Database string `json:"database"`
	Project  string `json:"project"`
}

func (h *Handler) query(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SQL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sql is required"})
		return
	}
	result, err := h.rt.Query(c.Request.Context(), req.SQL, req.Database, req.Project)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// assistQuery has the agent repair or complete a SQL statement and
// returns the bare SQL.
func (h *Handler) assistQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SQL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sql is required"})
		return
	}
	sqlText, err := h.rt.AssistQuery(c.Request.Context(), req.SQL, req.Database, req.Project)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sql": sqlText})
}

func (h *Handler) listProjects(c *gin.Context) {
	projects, err := h.rt.Projects()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (h *Handler) listTables(c *gin.Context) {
	tables, err := h.rt.Tables(c.Request.Context(), c.Query("database"), c.Query("project"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

type tableDocRequest struct {
	Database         string `json:"database"`
	Project          string `json:"project"`
	ShortDescription string `json:"short_description"`
	LongDescription  string `json:"long_description"`
}

func (h *Handler) updateTable(c *gin.Context) {
	var req tableDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.rt.UpdateTableDoc(req.Database, req.Project, c.Param("table"), req.ShortDescription, req.LongDescription)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type fieldDocRequest struct {
	Database    string `json:"database"`
	Project     string `json:"project"`
	Description string `json:"description"`
	DataType    string `json:"data_type"`
	Nullability string `json:"nullability"`
}

func (h *Handler) updateField(c *gin.Context) {
	var req fieldDocRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	err := h.rt.UpdateFieldDoc(req.Database, req.Project, c.Param("table"), c.Param("field"),
		req.Description, req.DataType, req.Nullability)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

type describeFieldRequest struct {
	Database        string `json:"database"`
	Project         string `json:"project"`
	DescriptionType string `json:"description_type"`
}

// describeField has the agent draft a description for one field.
func (h *Handler) describeField(c *gin.Context) {
	var req describeFieldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DescriptionType == "" {
		req.DescriptionType = "short"
	}
	text, err := h.rt.DescribeField(c.Request.Context(), req.Database, req.Project,
		c.Param("table"), c.Param("field"), req.DescriptionType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"description": text, "description_type": req.DescriptionType})
}

func (h *Handler) listQueries(c *gin.Context) {
	queries, err := h.rt.SavedQueries(c.Query("database"), c.Query("project"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"queries": queries})
}

type saveQueryRequest struct {
	Database    string `json:"database"`
	Project     string `json:"project"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

func (h *Handler) saveQuery(c *gin.Context) {
	var req saveQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SQL == "" || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and sql are required"})
		return
	}
	saved, err := h.rt.SaveQuery(req.Database, req.Project, req.Name, req.Description, req.SQL)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (h *Handler) deleteQuery(c *gin.Context) {
	err := h.rt.DeleteQuery(c.Query("database"), c.Query("project"), c.Param("query_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
