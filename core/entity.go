package core

import (
	"context"
	"errors"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrProjectNotFound  = errors.New("project not found")
)

type (
	Project struct {
		ID       string   `json:"id"`
		OwnerID  string   `json:"ownerId"`
		IsPublic bool     `json:"isPublic"`
		Members  []string `json:"members,omitempty"`
	}

	Document struct {
		ID        string `json:"id"`
		ProjectID string `json:"projectId"`
		Title     string `json:"title"`
		Content   string `json:"content"`
		UpdatedAt int64  `json:"updatedAt"`
	}

	DocumentStore interface {
		FindID(ctx context.Context, id string) (*Document, error)
		Create(ctx context.Context, document *Document) (string, error)
		UpdateContent(ctx context.Context, id, content string) error
	}

	ProjectStore interface {
		CreateProject(ctx context.Context, project *Project) (string, error)
		FindProject(ctx context.Context, id string) (*Project, error)
	}

	// AccessChecker decides whether a user may collaborate on a document:
	// project owner, project member, or public project. A missing document
	// is reported as ErrDocumentNotFound rather than false.
	AccessChecker interface {
		HasAccess(ctx context.Context, documentID, userID string) (bool, error)
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	Store interface {
		DocumentStore
		ProjectStore
		AccessChecker
		RoomRegistry
	}
)

// CanAccess applies the access rule to an already loaded project.
func (p *Project) CanAccess(userID string) bool {
	if p.IsPublic {
		return true
	}
	if userID == "" {
		return false
	}
	if p.OwnerID == userID {
		return true
	}
	for _, member := range p.Members {
		if member == userID {
			return true
		}
	}
	return false
}
