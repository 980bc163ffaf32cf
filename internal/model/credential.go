package model

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Credential identifies the single account a run operates on.
type Credential struct {
	Identity string `json:"identity"`
	Secret   string `json:"-"`
}

// String redacts the secret.
func (c Credential) String() string {
	if c.Secret == "" {
		return c.Identity
	}
	return c.Identity + ":<redacted>"
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("identity", c.Identity)
	enc.AddBool("has_secret", c.Secret != "")
	return nil
}

// Valid reports whether both identity and secret are present.
func (c Credential) Valid() bool {
	return c.Identity != "" && c.Secret != ""
}

// SessionState is a captured authenticated session for one identity.
// Blob is opaque to everything except the page driver that produced it.
type SessionState struct {
	Identity   string        `json:"identity"`
	Blob       []byte        `json:"blob"`
	CapturedAt time.Time     `json:"captured_at"`
	Validity   time.Duration `json:"validity"`
}

// ExpiresAt returns the end of the estimated validity window.
func (s SessionState) ExpiresAt() time.Time {
	return s.CapturedAt.Add(s.Validity)
}

// Fresh reports whether now falls inside the validity window. A fresh session
// still has to pass a live probe before it is trusted.
func (s SessionState) Fresh(now time.Time) bool {
	if s.Validity <= 0 {
		return false
	}
	return now.Before(s.ExpiresAt())
}
