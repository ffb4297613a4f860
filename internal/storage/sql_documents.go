package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/chatturn/pkg/models"
)

// InsertDocumentVersion stores doc as a new version. The insert only happens when
// no version at or after doc.CreatedAt exists, so versions per id only move
// forward. On postgres concurrent writers for the same id are serialized with a
// transaction-scoped advisory lock.
func (s *SQLStore) InsertDocumentVersion(ctx context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("document is required")
	}
	version := toMillis(models.VersionTime(doc.CreatedAt))

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == DialectPostgres {
			if _, err := s.exec(ctx, tx, `SELECT pg_advisory_xact_lock(hashtext(?))`, doc.ID); err != nil {
				return fmt.Errorf("lock document: %w", err)
			}
		}
		res, err := s.exec(ctx, tx,
			`INSERT INTO documents (id, version, owner_id, title, content)
			 SELECT CAST(? AS TEXT), CAST(? AS BIGINT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT)
			 WHERE NOT EXISTS (SELECT 1 FROM documents WHERE id = ? AND version >= ?)`,
			doc.ID, version, doc.OwnerID, doc.Title, doc.Content, doc.ID, version,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrVersionConflict
			}
			return fmt.Errorf("insert document: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return ErrVersionConflict
		}
		return nil
	})
}

func (s *SQLStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, version, owner_id, title, content FROM documents
		 WHERE id = ? ORDER BY version DESC LIMIT 1`), id)
	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

func (s *SQLStore) ListDocumentVersions(ctx context.Context, id string) ([]*models.Document, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, version, owner_id, title, content FROM documents WHERE id = ? ORDER BY version`), id)
	if err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	defer rows.Close()

	docs := []*models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list document versions: %w", err)
	}
	return docs, nil
}

func (s *SQLStore) DeleteDocumentVersionsAfter(ctx context.Context, id string, after time.Time) (int, error) {
	version := toMillis(models.VersionTime(after))
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`DELETE FROM suggestions WHERE document_id = ? AND document_version > ?`, id, version); err != nil {
			return fmt.Errorf("delete suggestions: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM documents WHERE id = ? AND version > ?`, id, version)
		if err != nil {
			return fmt.Errorf("delete documents: %w", err)
		}
		removed, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	return int(removed), err
}

func (s *SQLStore) InsertSuggestions(ctx context.Context, suggestions []*models.Suggestion) error {
	if len(suggestions) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, sg := range suggestions {
			if sg == nil || sg.ID == "" {
				return fmt.Errorf("suggestion id is required")
			}
			_, err := s.exec(ctx, tx,
				`INSERT INTO suggestions (id, document_id, document_version, original_text, suggested_text,
				 description, is_resolved, owner_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sg.ID, sg.DocumentID, toMillis(models.VersionTime(sg.DocumentCreatedAt)), sg.OriginalText,
				sg.SuggestedText, sg.Description, sg.IsResolved, sg.OwnerID, toMillis(sg.CreatedAt),
			)
			if err != nil {
				switch {
				case isUniqueViolation(err):
					return ErrAlreadyExists
				case isForeignKeyViolation(err):
					return fmt.Errorf("document %s version: %w", sg.DocumentID, ErrNotFound)
				}
				return fmt.Errorf("insert suggestion: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListSuggestions(ctx context.Context, documentID string) ([]*models.Suggestion, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, document_id, document_version, original_text, suggested_text, description,
		 is_resolved, owner_id, created_at FROM suggestions WHERE document_id = ? ORDER BY created_at, id`), documentID)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []*models.Suggestion{}
	for rows.Next() {
		var (
			sg               models.Suggestion
			version, created int64
		)
		if err := rows.Scan(&sg.ID, &sg.DocumentID, &version, &sg.OriginalText, &sg.SuggestedText,
			&sg.Description, &sg.IsResolved, &sg.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		sg.DocumentCreatedAt = fromMillis(version)
		sg.CreatedAt = fromMillis(created)
		suggestions = append(suggestions, &sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return suggestions, nil
}

func (s *SQLStore) ResolveSuggestion(ctx context.Context, id string) error {
	res, err := s.exec(ctx, s.db, `UPDATE suggestions SET is_resolved = ? WHERE id = ?`, true, id)
	if err != nil {
		return fmt.Errorf("resolve suggestion: %w", err)
	}
	return requireRows(res)
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		doc     models.Document
		version int64
	)
	if err := row.Scan(&doc.ID, &version, &doc.OwnerID, &doc.Title, &doc.Content); err != nil {
		return nil, err
	}
	doc.CreatedAt = fromMillis(version)
	return &doc, nil
}
