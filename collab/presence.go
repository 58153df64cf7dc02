package collab

import (
	"sort"
	"unicode/utf16"
)

// Palette shared with the web editor; order matters for colour stability.
var Palette = []string{
	"#ff6b6b", "#4ecdc4", "#45b7d1", "#96ceb4", "#feca57",
	"#ff9ff3", "#54a0ff", "#5f27cd", "#00d2d3", "#ff9f43",
}

// ColorOf maps a user id to a palette colour. It uses the editor's 32-bit
// string hash over UTF-16 code units so the server and the browser agree.
func ColorOf(userID string) string {
	var hash int32
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	h := int64(hash)
	if h < 0 {
		h = -h
	}
	return Palette[h%int64(len(Palette))]
}

// ListPresence returns the members of documentID's room in join order,
// including the caller when it is a member. Unknown documents yield an empty list.
func (r *Registry) ListPresence(documentID string) []PresenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.presenceLocked(documentID)
}

func (r *Registry) presenceLocked(documentID string) []PresenceEntry {
	room, ok := r.rooms[documentID]
	if !ok {
		return []PresenceEntry{}
	}
	members := room.ordered()
	entries := make([]PresenceEntry, 0, len(members))
	for _, c := range members {
		entries = append(entries, c.presence())
	}
	return entries
}

func (c *Connection) presence() PresenceEntry {
	return PresenceEntry{
		UserID:       c.UserID,
		DisplayName:  c.DisplayName,
		Color:        c.Color,
		ConnectionID: c.ID,
	}
}

func (room *Room) ordered() []*Connection {
	members := make([]*Connection, 0, len(room.members))
	for _, c := range room.members {
		members = append(members, c)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].seq < members[j].seq
	})
	return members
}
