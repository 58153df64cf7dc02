package documents

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"docs-collab-server/auth"
	"docs-collab-server/core"
)

type (
	ProjectCreateRequest struct {
		OwnerID  string   `json:"ownerId"`
		IsPublic bool     `json:"isPublic"`
		Members  []string `json:"members"`
	}

	DocumentCreateRequest struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}

	ContentUpdateRequest struct {
		Content *string `json:"content"`
	}

	CreateResponse struct {
		ID string `json:"id"`
	}
)

// HandleCreateProject creates a project. With authentication enabled the
// caller becomes the owner.
func HandleCreateProject(store core.ProjectStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProjectCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if id, ok := auth.FromContext(r.Context()); ok {
			req.OwnerID = id.UserID
		}
		if req.OwnerID == "" {
			http.Error(w, "ownerId is required", http.StatusBadRequest)
			return
		}

		id, err := store.CreateProject(r.Context(), &core.Project{
			OwnerID:  req.OwnerID,
			IsPublic: req.IsPublic,
			Members:  req.Members,
		})
		if err != nil {
			logrus.WithError(err).Error("Failed to create project")
			http.Error(w, "Failed to create project", http.StatusInternalServerError)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateResponse{ID: id})
	}
}

// HandleCreateDocument adds a document to a project. With authentication
// enabled only users who may collaborate on the project can add to it.
func HandleCreateDocument(projects core.ProjectStore, store core.DocumentStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID := chi.URLParam(r, "id")

		var req DocumentCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}

		if id, ok := auth.FromContext(r.Context()); ok {
			project, err := projects.FindProject(r.Context(), projectID)
			if errors.Is(err, core.ErrProjectNotFound) {
				http.Error(w, "Project not found", http.StatusNotFound)
				return
			}
			if err != nil {
				logrus.WithError(err).WithField("project_id", projectID).Error("Failed to load project")
				http.Error(w, "Failed to load project", http.StatusInternalServerError)
				return
			}
			if !project.CanAccess(id.UserID) {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
		}

		id, err := store.Create(r.Context(), &core.Document{
			ProjectID: projectID,
			Title:     req.Title,
			Content:   req.Content,
		})
		if errors.Is(err, core.ErrProjectNotFound) {
			http.Error(w, "Project not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("project_id", projectID).Error("Failed to create document")
			http.Error(w, "Failed to create document", http.StatusInternalServerError)
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateResponse{ID: id})
	}
}

func HandleGet(store core.DocumentStore, access core.AccessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !auth.RequireAccess(w, r, access, id) {
			return
		}

		doc, err := store.FindID(r.Context(), id)
		if errors.Is(err, core.ErrDocumentNotFound) {
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("document_id", id).Error("Failed to load document")
			http.Error(w, "Failed to load document", http.StatusInternalServerError)
			return
		}
		render.JSON(w, r, doc)
	}
}

// HandleUpdateContent persists the editor's content. Clients call it after
// their change has been relayed; the collaboration channel never writes.
func HandleUpdateContent(store core.DocumentStore, access core.AccessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req ContentUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if !auth.RequireAccess(w, r, access, id) {
			return
		}

		err := store.UpdateContent(r.Context(), id, *req.Content)
		if errors.Is(err, core.ErrDocumentNotFound) {
			http.Error(w, "Document not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logrus.WithError(err).WithField("document_id", id).Error("Failed to update document")
			http.Error(w, "Failed to update document", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
