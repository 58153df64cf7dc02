package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"docs-collab-server/core"
)

type store struct {
	mu        sync.RWMutex
	projects  map[string]core.Project
	documents map[string]core.Document
	rooms     map[string]int64
}

func NewStore() core.Store {
	return &store{
		projects:  make(map[string]core.Project),
		documents: make(map[string]core.Document),
		rooms:     make(map[string]int64),
	}
}

func (s *store) CreateProject(ctx context.Context, project *core.Project) (string, error) {
	id := project.ID
	if id == "" {
		id = ulid.Make().String()
	}
	p := *project
	p.ID = id
	p.Members = append([]string(nil), project.Members...)

	s.mu.Lock()
	s.projects[id] = p
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"project_id": id,
		"owner_id":   p.OwnerID,
		"is_public":  p.IsPublic,
	}).Info("Project created successfully")
	return id, nil
}

func (s *store) FindProject(ctx context.Context, id string) (*core.Project, error) {
	s.mu.RLock()
	p, ok := s.projects[id]
	s.mu.RUnlock()

	if !ok {
		logrus.WithField("project_id", id).Warn("Project with specified ID not found")
		return nil, fmt.Errorf("%w: %s", core.ErrProjectNotFound, id)
	}
	p.Members = append([]string(nil), p.Members...)
	return &p, nil
}

func (s *store) FindID(ctx context.Context, id string) (*core.Document, error) {
	log := logrus.WithField("document_id", id)

	s.mu.RLock()
	doc, ok := s.documents[id]
	s.mu.RUnlock()

	if ok {
		log.Debug("Document retrieved successfully")
		return &doc, nil
	}

	log.Warn("Document with specified ID not found")
	return nil, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, id)
}

func (s *store) Create(ctx context.Context, document *core.Document) (string, error) {
	id := ulid.Make().String()
	doc := *document
	doc.ID = id
	doc.UpdatedAt = time.Now().UnixMilli()

	s.mu.Lock()
	if _, ok := s.projects[doc.ProjectID]; !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", core.ErrProjectNotFound, doc.ProjectID)
	}
	s.documents[id] = doc
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"document_id":    id,
		"project_id":     doc.ProjectID,
		"content_length": len(doc.Content),
	}).Info("Document created successfully")

	return id, nil
}

func (s *store) UpdateContent(ctx context.Context, id, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrDocumentNotFound, id)
	}
	doc.Content = content
	doc.UpdatedAt = time.Now().UnixMilli()
	s.documents[id] = doc
	return nil
}

func (s *store) HasAccess(ctx context.Context, documentID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return false, fmt.Errorf("%w: %s", core.ErrDocumentNotFound, documentID)
	}
	project, ok := s.projects[doc.ProjectID]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"document_id": documentID,
			"project_id":  doc.ProjectID,
		}).Warn("Document belongs to a missing project")
		return false, nil
	}
	return project.CanAccess(userID), nil
}

func (s *store) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *store) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}
