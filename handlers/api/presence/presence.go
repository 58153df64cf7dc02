package presence

import (
	"net/http"
	"sort"

	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"

	"docs-collab-server/auth"
	"docs-collab-server/collab"
	"docs-collab-server/core"
)

type (
	PresenceLister interface {
		ListPresence(documentID string) []collab.PresenceEntry
	}

	RoomLister interface {
		Rooms() []collab.RoomSummary
	}

	CollaboratorsResponse struct {
		Collaborators []collab.PresenceEntry `json:"collaborators"`
	}

	RoomEntry struct {
		ID         string `json:"id"`
		Users      int    `json:"users"`
		LastActive *int64 `json:"lastActive,omitempty"`
	}
)

// HandleCollaborators answers with the users currently in a document's room.
// Callers must be allowed to join the room themselves.
func HandleCollaborators(registry PresenceLister, access core.AccessChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		documentID := r.URL.Query().Get("documentId")
		if documentID == "" {
			http.Error(w, "documentId is required", http.StatusBadRequest)
			return
		}
		if !auth.RequireAccess(w, r, access, documentID) {
			return
		}
		render.JSON(w, r, CollaboratorsResponse{Collaborators: registry.ListPresence(documentID)})
	}
}

// HandleRooms merges live rooms with the rooms recorded in storage. Busier
// rooms come first, then the most recently active.
func HandleRooms(registry RoomLister, stored core.RoomRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomMap := make(map[string]*RoomEntry)
		for _, room := range registry.Rooms() {
			roomMap[room.DocumentID] = &RoomEntry{ID: room.DocumentID, Users: room.Users}
		}

		if stored != nil {
			if storedRooms, err := stored.ListRooms(r.Context()); err != nil {
				logrus.WithError(err).Warn("Failed to list rooms from registry")
			} else {
				for _, room := range storedRooms {
					entry, exists := roomMap[room.ID]
					if !exists {
						entry = &RoomEntry{ID: room.ID}
						roomMap[room.ID] = entry
					}
					if room.LastActive > 0 {
						lastActive := room.LastActive
						entry.LastActive = &lastActive
					}
				}
			}
		}

		roomList := make([]RoomEntry, 0, len(roomMap))
		for _, entry := range roomMap {
			roomList = append(roomList, *entry)
		}
		sortRooms(roomList)

		render.JSON(w, r, roomList)
	}
}

func sortRooms(rooms []RoomEntry) {
	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].Users != rooms[j].Users {
			return rooms[i].Users > rooms[j].Users
		}
		li, lj := lastActive(rooms[i]), lastActive(rooms[j])
		if li == lj {
			return rooms[i].ID < rooms[j].ID
		}
		return li > lj
	})
}

func lastActive(e RoomEntry) int64 {
	if e.LastActive == nil {
		return 0
	}
	return *e.LastActive
}
