package session

import "time"

// CreateRequest is the body of POST /api/session.
type CreateRequest struct {
	ParticipantID string `json:"participant_id"`
}

// CreateResponse wraps the issued token.
type CreateResponse struct {
	OK   bool        `json:"ok"`
	Data TokenDetail `json:"data"`
}

type TokenDetail struct {
	ParticipantID string    `json:"participant_id"`
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
}
