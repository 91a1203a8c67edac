package search

import (
	"context"
	"log"
	"strings"

	"studiodesk/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// It also receives confirmed workspace writes and forwards them to the index.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(task store.Task) {
	if !s.indexing() {
		return
	}
	record := TaskRecordOf(task)
	go func() {
		if err := s.meili.IndexTasks([]TaskRecord{record}); err != nil {
			log.Printf("search: index task %s: %v", record.ID, err)
		}
	}()
}

// IndexMessage indexes a chat message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(message store.Message) {
	if !s.indexing() {
		return
	}
	record := MessageRecordOf(message)
	go func() {
		if err := s.meili.IndexMessages([]MessageRecord{record}); err != nil {
			log.Printf("search: index message %s: %v", record.ID, err)
		}
	}()
}

// IndexFileLink indexes a file link (fire-and-forget to Meilisearch).
func (s *Service) IndexFileLink(link store.FileLink) {
	if !s.indexing() {
		return
	}
	record := FileRecordOf(link)
	go func() {
		if err := s.meili.IndexFiles([]FileRecord{record}); err != nil {
			log.Printf("search: index file %s: %v", record.ID, err)
		}
	}()
}

func (s *Service) DeleteTask(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteTask(id); err != nil {
			log.Printf("search: delete task %s: %v", id, err)
		}
	}()
}

func (s *Service) DeleteFileLink(id string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteFile(id); err != nil {
			log.Printf("search: delete file %s: %v", id, err)
		}
	}()
}

// ReindexAllFromPG reindexes every searchable row from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is reachable.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.indexing() || s.pgfts == nil {
		return
	}
	tasks, messages, files, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexTasks(tasks); err != nil {
		log.Printf("search: reindex tasks: %v", err)
	}
	if err := s.meili.IndexMessages(messages); err != nil {
		log.Printf("search: reindex messages: %v", err)
	}
	if err := s.meili.IndexFiles(files); err != nil {
		log.Printf("search: reindex files: %v", err)
	}
	log.Printf("search: reindexed %d tasks, %d messages, %d files", len(tasks), len(messages), len(files))
}

func TaskRecordOf(task store.Task) TaskRecord {
	return TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		AssigneeID:  task.AssigneeID,
		ClientID:    task.ClientID,
		Category:    task.Category,
	}
}

func MessageRecordOf(message store.Message) MessageRecord {
	return MessageRecord{
		ID:        message.ID,
		ChannelID: message.ChannelID,
		AuthorID:  message.AuthorID,
		Text:      message.Text,
	}
}

func FileRecordOf(link store.FileLink) FileRecord {
	return FileRecord{ID: link.ID, Name: link.Name, URL: link.URL, CreatedBy: link.CreatedBy}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
