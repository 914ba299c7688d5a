// Package session defines the live-connection data unit and an optional
// Redis mirror of open sessions used for operational inspection.
package session

import "time"

// Session is one live connection bound to a user. It is created on
// admission and released exactly once on disconnect.
type Session struct {
	ID        string    // transport-assigned connection id
	UserID    string    // verified identity supplied at connect time
	CreatedAt time.Time // when the connection was admitted
}

// New binds sessionID to userID.
func New(sessionID, userID string) Session {
	return Session{ID: sessionID, UserID: userID, CreatedAt: time.Now()}
}
