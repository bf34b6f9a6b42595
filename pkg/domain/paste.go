package domain

import (
	"time"
)

// MaxUserAgentLen bounds the creator User-Agent kept as abuse metadata.
const MaxUserAgentLen = 256

// Paste is one stored note. Content is the client's base64 envelope and is
// never interpreted by the server.
type Paste struct {
	ID           string     `json:"id" bson:"_id"`
	Content      string     `json:"content" bson:"content"`
	CreatedAt    time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty" bson:"updated_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	AutoDelete   bool       `json:"auto_delete" bson:"auto_delete"`
	Owner        string     `json:"-" bson:"owner"`
	ClientIPHash string     `json:"-" bson:"client_ip_hash,omitempty"`
	UserAgent    string     `json:"-" bson:"user_agent,omitempty"`
}

// Expired reports whether the paste is absent as of now.
func (p *Paste) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// OwnedBy reports ownership. An empty session never owns anything.
func (p *Paste) OwnedBy(session string) bool {
	return session != "" && p.Owner == session
}

func (p *Paste) Clone() *Paste {
	c := *p
	if p.UpdatedAt != nil {
		t := *p.UpdatedAt
		c.UpdatedAt = &t
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

type CreateParams struct {
	Content      string
	AutoDelete   bool
	ExpiryHours  *float64
	Owner        string
	ClientIPHash string
	UserAgent    string
}

type ReadResult struct {
	ID        string
	Content   string
	CreatedAt time.Time
	IsOwner   bool
}

func TruncateUserAgent(ua string) string {
	if len(ua) <= MaxUserAgentLen {
		return ua
	}
	return ua[:MaxUserAgentLen]
}
