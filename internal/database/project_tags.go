package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benvon/cohort-tags/internal/storage"
)

// ProjectTagsStore keeps each project's tag document in one project_tags row
type ProjectTagsStore struct {
	db  *DB
	now func() time.Time
}

// NewProjectTagsStore creates a new project tags store
func NewProjectTagsStore(db *DB) *ProjectTagsStore {
	return &ProjectTagsStore{db: db, now: time.Now}
}

// Load returns the project's document, or nil when the row does not exist
func (s *ProjectTagsStore) Load(ctx context.Context, projectID string) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tags FROM project_tags WHERE project_id = $1
	`, projectID).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project tags: %w", err)
	}
	return doc, nil
}

// Store upserts the project's document
func (s *ProjectTagsStore) Store(ctx context.Context, projectID string, data []byte) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_tags (project_id, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id) DO UPDATE SET
			tags = EXCLUDED.tags,
			updated_at = EXCLUDED.updated_at
	`, projectID, data, now, now)
	if err != nil {
		return fmt.Errorf("failed to store project tags: %w", err)
	}
	return nil
}

// ListProjectIDs returns every project with a row, in id order
func (s *ProjectTagsStore) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT project_id FROM project_tags ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate projects: %w", err)
	}
	return ids, nil
}

var (
	_ storage.BlobStore     = (*ProjectTagsStore)(nil)
	_ storage.ProjectLister = (*ProjectTagsStore)(nil)
)
