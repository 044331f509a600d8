package model

import "time"

// Lease is the fenced lock record for one session.
type Lease struct {
	SessionID  string
	OwnerToken string
	Host       string
	PID        int
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}
