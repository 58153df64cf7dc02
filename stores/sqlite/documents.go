package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"docs-collab-server/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	is_public INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS project_members (
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	PRIMARY KEY (project_id, user_id)
);
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	last_active INTEGER NOT NULL
);`

type store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the database at dataSourceName.
func NewStore(dataSourceName string) (core.Store, error) {
	sep := "?"
	if strings.Contains(dataSourceName, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", dataSourceName+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// One writer at a time; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &store{db}, nil
}

func (s *store) CreateProject(ctx context.Context, project *core.Project) (string, error) {
	id := project.ID
	if id == "" {
		id = ulid.Make().String()
	}
	log := logrus.WithFields(logrus.Fields{
		"project_id": id,
		"owner_id":   project.OwnerID,
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO projects (id, owner_id, is_public) VALUES (?, ?, ?)",
		id, project.OwnerID, project.IsPublic); err != nil {
		log.WithError(err).Error("Failed to create project")
		return "", err
	}
	for _, member := range project.Members {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO project_members (project_id, user_id) VALUES (?, ?)",
			id, member); err != nil {
			log.WithError(err).Error("Failed to add project member")
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}

	log.Info("Project created successfully")
	return id, nil
}

func (s *store) FindProject(ctx context.Context, id string) (*core.Project, error) {
	project := core.Project{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT owner_id, is_public FROM projects WHERE id = ?", id,
	).Scan(&project.OwnerID, &project.IsPublic)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", core.ErrProjectNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM project_members WHERE project_id = ? ORDER BY user_id", id)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close member rows")
		}
	}()
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, err
		}
		project.Members = append(project.Members, member)
	}
	return &project, rows.Err()
}

func (s *store) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)
	log.Debug("Retrieving document by ID")

	doc := core.Document{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT project_id, title, content, updated_at FROM documents WHERE id = ?", id,
	).Scan(&doc.ProjectID, &doc.Title, &doc.Content, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Warn("Document with specified ID not found")
			return nil, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, id)
		}
		log.WithError(err).Error("Failed to retrieve document")
		return nil, err
	}
	return &doc, nil
}

func (s *store) Create(ctx context.Context, document *core.Document) (string, error) {
	id := ulid.Make().String()
	log := logrus.WithFields(logrus.Fields{
		"document_id":    id,
		"project_id":     document.ProjectID,
		"content_length": len(document.Content),
	})

	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM projects WHERE id = ?", document.ProjectID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", core.ErrProjectNotFound, document.ProjectID)
	}
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO documents (id, project_id, title, content, updated_at) VALUES (?, ?, ?, ?, ?)",
		id, document.ProjectID, document.Title, document.Content, time.Now().UnixMilli())
	if err != nil {
		log.WithError(err).Error("Failed to create document")
		return "", err
	}
	log.Info("Document created successfully")
	return id, nil
}

func (s *store) UpdateContent(ctx context.Context, id, content string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE documents SET content = ?, updated_at = ? WHERE id = ?",
		content, time.Now().UnixMilli(), id)
	if err != nil {
		logrus.WithError(err).WithField("document_id", id).Error("Failed to update document")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", core.ErrDocumentNotFound, id)
	}
	return nil
}

// HasAccess resolves owner, membership and visibility in one query.
func (s *store) HasAccess(ctx context.Context, documentID, userID string) (bool, error) {
	var (
		projectID string
		ownerID   sql.NullString
		isPublic  sql.NullBool
		isMember  bool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT d.project_id, p.owner_id, p.is_public,
			EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = d.project_id AND m.user_id = ?)
		FROM documents d
		LEFT JOIN projects p ON p.id = d.project_id
		WHERE d.id = ?`, userID, documentID,
	).Scan(&projectID, &ownerID, &isPublic, &isMember)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, documentID)
	}
	if err != nil {
		return false, err
	}
	if !ownerID.Valid {
		logrus.WithFields(logrus.Fields{
			"document_id": documentID,
			"project_id":  projectID,
		}).Warn("Document belongs to a missing project")
		return false, nil
	}

	project := core.Project{ID: projectID, OwnerID: ownerID.String, IsPublic: isPublic.Bool}
	if isMember && userID != "" {
		project.Members = []string{userID}
	}
	return project.CanAccess(userID), nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		roomID, time.Now().UnixMilli())
	return err
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	var rooms []core.Room
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *store) Close() error {
	return s.db.Close()
}
