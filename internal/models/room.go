package models

import "time"

// MaxParticipants is the capacity of an interview room: one candidate, one interviewer.
const MaxParticipants = 2

// RoomMetadata stores information about an interview room
type RoomMetadata struct {
	ID               string    `json:"id"`
	Code             string    `json:"code"`      // Short, shareable room code (e.g., "ABCD12")
	CreatorID        string    `json:"creatorId"` // User ID from JWT who created the room
	SessionID        string    `json:"sessionId"` // Interview session used for live transcripts
	Title            string    `json:"title,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	MaxParticipants  int       `json:"maxParticipants"`
	ParticipantCount int       `json:"participantCount"`
}

// CreateRoomRequest is the request body for creating a room
type CreateRoomRequest struct {
	Title string `json:"title" binding:"max=120"`
}

// CreateRoomResponse is the response for creating a room
type CreateRoomResponse struct {
	RoomID    string `json:"roomId"`
	Code      string `json:"code"`
	SessionID string `json:"sessionId"`
}
