package models

import "time"

// DefaultMaxParticipants is the room capacity.
const DefaultMaxParticipants = 3

// LivenessWindow is how long a participant counts as present after its
// last heartbeat.
const LivenessWindow = 2 * time.Minute

// RoomMetadata is stored at rooms/{roomId}.
type RoomMetadata struct {
	CreatedAt       int64 `json:"createdAt"`
	LastActivity    int64 `json:"lastActivity"`
	MaxParticipants int   `json:"maxParticipants"`
}

// Participant is stored at rooms/{roomId}/participants/{sessionId}.
type Participant struct {
	SessionID string `json:"sessionId"`
	Alias     string `json:"alias"`
	JoinedAt  int64  `json:"joinedAt"`
	LastSeen  int64  `json:"lastSeen"`
	Active    bool   `json:"active"`
	LeftAt    int64  `json:"left,omitempty"`
}

// IsActive reports whether the participant is flagged active and has
// heartbeated within window of now.
func (p Participant) IsActive(now time.Time, window time.Duration) bool {
	if !p.Active {
		return false
	}
	return now.Sub(FromMillis(p.LastSeen)) <= window
}

// CountActive returns how many of participants are active at now.
func CountActive(participants []Participant, now time.Time, window time.Duration) int {
	count := 0
	for _, p := range participants {
		if p.IsActive(now, window) {
			count++
		}
	}
	return count
}
