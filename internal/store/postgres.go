package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore is the row-oriented side of the hosted backend. Every Insert
// method stores the caller's id verbatim; callers generate ids client-side and
// rely on that to merge change-feed echoes without reconciliation.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

const userColumns = `id, name, email, avatar_url, role, phone, notification_pref, status, permissions, last_seen, created_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var (
		user        User
		permissions []byte
		lastSeen    sql.NullTime
	)
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.AvatarURL, &user.Role, &user.Phone,
		&user.NotificationPref, &user.Status, &permissions, &lastSeen, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	if len(permissions) > 0 {
		if err := json.Unmarshal(permissions, &user.Permissions); err != nil {
			return User{}, fmt.Errorf("decode permissions: %w", err)
		}
	}
	if lastSeen.Valid {
		seen := lastSeen.Time
		user.LastSeen = &seen
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID)
	user, err := scanUser(row)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	permissions, err := marshalJSON(user.Permissions, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, avatar_url, role, phone, notification_pref, status, permissions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.Name, user.Email, user.AvatarURL, user.Role, user.Phone, user.NotificationPref,
		user.Status, permissions, createdAt(user.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, user User) error {
	permissions, err := marshalJSON(user.Permissions, "{}")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE users
		SET name=$2, email=$3, avatar_url=$4, role=$5, phone=$6, notification_pref=$7, status=$8, permissions=$9::jsonb
		WHERE id=$1
	`, user.ID, user.Name, user.Email, user.AvatarURL, user.Role, user.Phone, user.NotificationPref, user.Status, permissions)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET last_seen=$2 WHERE id=$1`, userID, at); err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// Credentials

func (s *PostgresStore) GetCredentialByEmail(ctx context.Context, email string) (Credential, error) {
	var item Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, email, password_hash, created_at FROM credentials WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&item.UserID, &item.Email, &item.PasswordHash, &item.CreatedAt)
	if err != nil {
		return Credential{}, err
	}
	return item, nil
}

// CreateAccount inserts the profile row and its credential in one transaction.
func (s *PostgresStore) CreateAccount(ctx context.Context, user User, passwordHash string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin account tx: %w", err)
	}
	permissions, err := marshalJSON(user.Permissions, "{}")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, name, email, avatar_url, role, status, permissions)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (email) DO UPDATE SET status='active'
	`, user.ID, user.Name, user.Email, user.AvatarURL, user.Role, user.Status, permissions); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert account user: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credentials (user_id, email, password_hash)
		SELECT id, email, $2 FROM users WHERE email=$1
	`, user.Email, passwordHash); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert credential: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE credentials SET password_hash=$2 WHERE user_id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Clients

func (s *PostgresStore) ListClients(ctx context.Context) ([]Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, company, email, phone, status, notes, created_at FROM clients ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	items := make([]Client, 0)
	for rows.Next() {
		var item Client
		if err := rows.Scan(&item.ID, &item.Name, &item.Company, &item.Email, &item.Phone, &item.Status, &item.Notes, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate clients: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertClient(ctx context.Context, item Client) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, company, email, phone, status, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Company, item.Email, item.Phone, item.Status, item.Notes, createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateClient(ctx context.Context, item Client) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE clients SET name=$2, company=$3, email=$4, phone=$5, status=$6, notes=$7 WHERE id=$1
	`, item.ID, item.Name, item.Company, item.Email, item.Phone, item.Status, item.Notes)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteClient(ctx context.Context, clientID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id=$1`, clientID); err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return nil
}

// Tasks

// ListTasks returns bare task rows; comments and subtasks are joined by the caller.
func (s *PostgresStore) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, assignee_id, client_id, due_date, status, category, priority, price, created_at
		FROM tasks
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	items := make([]Task, 0)
	for rows.Next() {
		var (
			item     Task
			clientID sql.NullString
			price    sql.NullFloat64
		)
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.AssigneeID, &clientID, &item.DueDate,
			&item.Status, &item.Category, &item.Priority, &price, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		item.ClientID = clientID.String
		if price.Valid {
			value := price.Float64
			item.Price = &value
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertTask(ctx context.Context, item Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, assignee_id, client_id, due_date, status, category, priority, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Description, item.AssigneeID, nilIfEmpty(item.ClientID), item.DueDate,
		string(item.Status), item.Category, item.Priority, nullFloat(item.Price), createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTask(ctx context.Context, item Task) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, assignee_id=$4, client_id=$5, due_date=$6, status=$7, category=$8, priority=$9, price=$10
		WHERE id=$1
	`, item.ID, item.Title, item.Description, item.AssigneeID, nilIfEmpty(item.ClientID), item.DueDate,
		string(item.Status), item.Category, item.Priority, nullFloat(item.Price))
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE tasks SET status=$2 WHERE id=$1`, taskID, string(status)); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Subtasks

func (s *PostgresStore) ListSubtasks(ctx context.Context) ([]Subtask, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, title, done, created_at FROM subtasks ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	defer rows.Close()

	items := make([]Subtask, 0)
	for rows.Next() {
		var item Subtask
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Title, &item.Done, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertSubtask(ctx context.Context, item Subtask) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subtasks (id, task_id, title, done, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.TaskID, item.Title, item.Done, createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetSubtaskDone(ctx context.Context, subtaskID string, done bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE subtasks SET done=$2 WHERE id=$1`, subtaskID, done); err != nil {
		return fmt.Errorf("update subtask: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteSubtask(ctx context.Context, subtaskID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subtasks WHERE id=$1`, subtaskID); err != nil {
		return fmt.Errorf("delete subtask: %w", err)
	}
	return nil
}

// Comments

func (s *PostgresStore) ListComments(ctx context.Context) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author_id, text, timestamp, created_at FROM task_comments ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.TaskID, &item.AuthorID, &item.Text, &item.Timestamp, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// InsertComments writes a batch of comments atomically.
func (s *PostgresStore) InsertComments(ctx context.Context, items []Comment) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin comments tx: %w", err)
	}
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_comments (id, task_id, author_id, text, timestamp, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING
		`, item.ID, item.TaskID, item.AuthorID, item.Text, item.Timestamp, createdAt(item.CreatedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert comment: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit comments tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCommentText(ctx context.Context, commentID, text string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE task_comments SET text=$2 WHERE id=$1`, commentID, text); err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_comments WHERE id=$1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// Channels

func (s *PostgresStore) ListChannels(ctx context.Context) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, kind, member_ids, created_at FROM channels ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	items := make([]Channel, 0)
	for rows.Next() {
		var (
			item    Channel
			members []byte
		)
		if err := rows.Scan(&item.ID, &item.Name, &item.Kind, &members, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		if err := unmarshalJSON(members, &item.MemberIDs); err != nil {
			return nil, fmt.Errorf("decode channel members: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertChannel(ctx context.Context, item Channel) error {
	members, err := marshalJSON(item.MemberIDs, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, kind, member_ids, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Kind, members, createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=$1`, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

// Messages

func (s *PostgresStore) ListMessages(ctx context.Context) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, text, attachments, timestamp, created_at FROM messages ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		var (
			item        Message
			attachments []byte
		)
		if err := rows.Scan(&item.ID, &item.ChannelID, &item.AuthorID, &item.Text, &attachments, &item.Timestamp, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if err := unmarshalJSON(attachments, &item.Attachments); err != nil {
			return nil, fmt.Errorf("decode message attachments: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	attachments, err := marshalJSON(item.Attachments, "[]")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, author_id, text, attachments, timestamp, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.ChannelID, item.AuthorID, item.Text, attachments, item.Timestamp, createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// RemoveMessageAttachment filters one name out of the message's attachment
// array, leaving the others in place.
func (s *PostgresStore) RemoveMessageAttachment(ctx context.Context, messageID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET attachments = COALESCE((
			SELECT jsonb_agg(a) FROM jsonb_array_elements_text(attachments) AS a WHERE a <> $2
		), '[]'::jsonb)
		WHERE id=$1
	`, messageID, name)
	if err != nil {
		return fmt.Errorf("remove message attachment: %w", err)
	}
	return nil
}

// File links

func (s *PostgresStore) ListFileLinks(ctx context.Context) ([]FileLink, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, url, created_by, created_at FROM file_links ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list file links: %w", err)
	}
	defer rows.Close()

	items := make([]FileLink, 0)
	for rows.Next() {
		var item FileLink
		if err := rows.Scan(&item.ID, &item.Name, &item.URL, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file links: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertFileLink(ctx context.Context, item FileLink) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO file_links (id, name, url, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.URL, item.CreatedBy, createdAt(item.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert file link: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteFileLink(ctx context.Context, linkID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_links WHERE id=$1`, linkID); err != nil {
		return fmt.Errorf("delete file link: %w", err)
	}
	return nil
}

func marshalJSON(value any, empty string) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	if string(encoded) == "null" {
		return empty, nil
	}
	return string(encoded), nil
}

func unmarshalJSON(raw []byte, target any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, target)
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullFloat(value *float64) any {
	if value == nil {
		return nil
	}
	return *value
}

func createdAt(value time.Time) time.Time {
	if value.IsZero() {
		return time.Now().UTC()
	}
	return value
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
