package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across tasks, messages and file_links
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	dataSQL, countSQL, args := buildQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ChannelID, &r.ClientID, &r.URL); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

func buildQuery(q Query) (dataSQL, countSQL string, args []any) {
	if strings.TrimSpace(q.Text) == "" {
		return "", "", nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args = []any{q.Text}

	var subQueries []string

	if (q.FilterType == "" || q.FilterType == ResultTask) && q.FilterChannelID == "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'task'::text AS type, t.id, t.title,
				ts_headline('english', coalesce(t.description, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				''::text AS channel_id, coalesce(t.client_id, '') AS client_id, ''::text AS url,
				ts_rank(t.fts, %s) AS rank
			FROM tasks t
			WHERE t.fts @@ %s`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultMessage {
		where := "m.fts @@ " + tsQuery
		if q.FilterChannelID != "" {
			where += " AND m.channel_id = $2"
			args = append(args, q.FilterChannelID)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'message'::text AS type, m.id, ''::text AS title,
				ts_headline('english', coalesce(m.text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				m.channel_id, ''::text AS client_id, ''::text AS url,
				ts_rank(m.fts, %s) AS rank
			FROM messages m
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if (q.FilterType == "" || q.FilterType == ResultFile) && q.FilterChannelID == "" {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'file'::text AS type, f.id, f.name AS title,
				f.url AS snippet,
				''::text AS channel_id, ''::text AS client_id, f.url,
				ts_rank(f.fts, %s) AS rank
			FROM file_links f
			WHERE f.fts @@ %s`, tsQuery, tsQuery))
	}

	if len(subQueries) == 0 {
		return "", "", nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, channel_id, client_id, url
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return dataSQL, countSQL, args
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TaskRecord, []MessageRecord, []FileRecord, error) {
	taskRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, description, status, assignee_id, coalesce(client_id, ''), category
		FROM tasks
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()

	tasks := make([]TaskRecord, 0)
	for taskRows.Next() {
		var t TaskRecord
		if err := taskRows.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.AssigneeID, &t.ClientID, &t.Category); err != nil {
			return nil, nil, nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate tasks: %w", err)
	}

	messageRows, err := p.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, text
		FROM messages
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load messages: %w", err)
	}
	defer messageRows.Close()

	messages := make([]MessageRecord, 0)
	for messageRows.Next() {
		var m MessageRecord
		if err := messageRows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Text); err != nil {
			return nil, nil, nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := messageRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate messages: %w", err)
	}

	fileRows, err := p.db.QueryContext(ctx, `
		SELECT id, name, url, created_by
		FROM file_links
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load file links: %w", err)
	}
	defer fileRows.Close()

	files := make([]FileRecord, 0)
	for fileRows.Next() {
		var f FileRecord
		if err := fileRows.Scan(&f.ID, &f.Name, &f.URL, &f.CreatedBy); err != nil {
			return nil, nil, nil, fmt.Errorf("scan file link: %w", err)
		}
		files = append(files, f)
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate file links: %w", err)
	}

	return tasks, messages, files, nil
}
