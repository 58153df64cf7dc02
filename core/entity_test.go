package core

import "testing"

func TestProjectCanAccess(t *testing.T) {
	private := &Project{ID: "p1", OwnerID: "owner", Members: []string{"member-a", "member-b"}}
	public := &Project{ID: "p2", OwnerID: "owner", IsPublic: true}

	tests := []struct {
		name    string
		project *Project
		userID  string
		want    bool
	}{
		{"owner", private, "owner", true},
		{"member", private, "member-b", true},
		{"stranger", private, "stranger", false},
		{"empty user on private", private, "", false},
		{"stranger on public", public, "stranger", true},
		{"empty user on public", public, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.project.CanAccess(tt.userID); got != tt.want {
				t.Errorf("CanAccess(%q) = %v, want %v", tt.userID, got, tt.want)
			}
		})
	}
}
