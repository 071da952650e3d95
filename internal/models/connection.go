package models

import "time"

// Connection is an immutable snapshot of the credentials for one billing
// platform connection. Mutations return a copy; persisting is explicit.
type Connection struct {
	ID               int64
	Name             string
	ClientID         string
	ClientSecret     string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	OrganizationID   string
	Connected        bool
	UpdatedAt        time.Time
}

// Tokens is the token subset written back after a refresh.
type Tokens struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AccessTokenValid reports whether the access token is usable at now with
// at least margin left before it expires.
func (c Connection) AccessTokenValid(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.AccessExpiresAt.IsZero() {
		return false
	}
	return now.Add(margin).Before(c.AccessExpiresAt)
}

// CanRefresh reports whether the refresh token can still be exchanged at now.
func (c Connection) CanRefresh(now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	return c.RefreshExpiresAt.IsZero() || now.Before(c.RefreshExpiresAt)
}

func (c Connection) WithTokens(t Tokens) Connection {
	c.AccessToken = t.AccessToken
	c.AccessExpiresAt = t.AccessExpiresAt
	c.RefreshToken = t.RefreshToken
	c.RefreshExpiresAt = t.RefreshExpiresAt
	return c
}
