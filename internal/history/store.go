package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"dbchat/internal/models"
	"dbchat/internal/redis"
)

// ErrNotFound is returned when a session id has no persisted record.
var ErrNotFound = errors.New("session not found")

const (
	titleEveryUserTurns = 5
	fallbackTitleLimit  = 40
	listCacheTTL        = 5 * time.Minute
)

// Titler generates a session title from its messages.
type Titler interface {
	GenerateTitle(ctx context.Context, messages []*models.Message) (string, error)
}

// Store persists sessions. Every save replaces the session's messages
// wholesale; the caller always supplies the full reconstructed history.
type Store struct {
	db     *sql.DB
	cache  *redis.Client
	titler Titler
}

func New(db *sql.DB, cache *redis.Client, titler Titler) *Store {
	return &Store{db: db, cache: cache, titler: titler}
}

// NewSessionID builds an opaque, roughly time-ordered session id.
func NewSessionID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d-%08x", time.Now().Unix(), time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().Unix(), hex.EncodeToString(buf))
}

// SaveSession writes the session, replacing any previous messages, and
// opportunistically regenerates the title: on every 5th user turn, or
// while the session still carries the placeholder title.
func (s *Store) SaveSession(ctx context.Context, sess *models.Session) error {
	if sess == nil {
		return errors.New("session required")
	}
	if sess.ID == "" {
		sess.ID = NewSessionID()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.Description == "" {
		sess.Description = models.PlaceholderTitle
	}
	s.refreshTitle(ctx, sess)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, project, description, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Project, sess.Description, sess.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	for i, msg := range sess.Messages {
		var images, toolCalls sql.NullString
		if len(msg.Images) > 0 {
			data, merr := json.Marshal(msg.Images)
			if merr != nil {
				err = fmt.Errorf("encode images: %w", merr)
				return err
			}
			images = sql.NullString{String: string(data), Valid: true}
		}
		if len(msg.ToolCalls) > 0 {
			data, merr := json.Marshal(msg.ToolCalls)
			if merr != nil {
				err = fmt.Errorf("encode tool calls: %w", merr)
				return err
			}
			toolCalls = sql.NullString{String: string(data), Valid: true}
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, ord, role, content, images, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, i, msg.Role, msg.Content, images, toolCalls, msg.ToolCallID, createdAt,
		); err != nil {
			return fmt.Errorf("insert message %d: %w", i, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	s.invalidateList(ctx, sess.Project)
	return nil
}

// refreshTitle applies the title cadence, falling back to a truncated
// first user utterance when generation fails.
func (s *Store) refreshTitle(ctx context.Context, sess *models.Session) {
	userTurns := sess.UserMessageCount()
	if userTurns == 0 {
		return
	}
	if sess.Description != models.PlaceholderTitle && userTurns%titleEveryUserTurns != 0 {
		return
	}
	if s.titler != nil {
		title, err := s.titler.GenerateTitle(ctx, sess.Messages)
		if err == nil && title != "" && title != models.PlaceholderTitle {
			sess.Description = title
			return
		}
		if err != nil {
			log.Printf("title generation failed for session %s: %v", sess.ID, err)
		}
	}
	if fallback := fallbackTitle(sess.FirstUserMessage()); fallback != "" {
		sess.Description = fallback
	}
}

func fallbackTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(text) <= fallbackTitleLimit {
		return text
	}
	cut := text[:fallbackTitleLimit]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "..."
}

// GetSession loads one session with its full ordered message history.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT project, description, created_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.Project, &sess.Description, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, images, tool_calls, tool_call_id, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY ord ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		msg := &models.Message{}
		var images, toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&msg.Role, &msg.Content, &images, &toolCalls, &toolCallID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if images.Valid && images.String != "" {
			if err := json.Unmarshal([]byte(images.String), &msg.Images); err != nil {
				return nil, fmt.Errorf("decode images: %w", err)
			}
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		msg.ToolCallID = toolCallID.String
		sess.Messages = append(sess.Messages, msg)
	}
	return sess, rows.Err()
}

// ListSessions returns session summaries for a project, newest first.
// An empty project lists everything. Results are cached briefly.
func (s *Store) ListSessions(ctx context.Context, project string) ([]models.SessionSummary, error) {
	key := listCacheKey(project)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, key); err == nil {
			var summaries []models.SessionSummary
			if json.Unmarshal([]byte(cached), &summaries) == nil {
				return summaries, nil
			}
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			log.Printf("session list cache read failed: %v", err)
		}
	}

	query := `SELECT s.id, s.project, s.description, s.created_at, COUNT(m.session_id)
		FROM sessions s
		LEFT JOIN session_messages m ON m.session_id = s.id AND m.role IN ('user', 'assistant')
		%s
		GROUP BY s.id, s.project, s.description, s.created_at
		ORDER BY s.created_at DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if project != "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, "WHERE s.project = ?"), project)
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf(query, ""))
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	summaries := make([]models.SessionSummary, 0)
	for rows.Next() {
		var sum models.SessionSummary
		if err := rows.Scan(&sum.ID, &sum.Project, &sum.Description, &sum.CreatedAt, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		summaries = append(summaries, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if data, err := json.Marshal(summaries); err == nil {
			if err := s.cache.Set(ctx, key, string(data), listCacheTTL); err != nil {
				log.Printf("session list cache write failed: %v", err)
			}
		}
	}
	return summaries, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	s.invalidateList(ctx, sess.Project)
	return nil
}

func (s *Store) invalidateList(ctx context.Context, project string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, listCacheKey(project), listCacheKey("")); err != nil {
		log.Printf("session list cache invalidation failed: %v", err)
	}
}

func listCacheKey(project string) string {
	return "dbchat:sessions:" + project
}
