package driver

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Cookie is the portable form of a browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitzero"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
	SameSite string    `json:"same_site,omitempty"`
}

// OriginStorage is the localStorage of one origin.
type OriginStorage struct {
	Origin       string            `json:"origin"`
	LocalStorage map[string]string `json:"local_storage,omitempty"`
}

// StorageState is what a session blob decodes to. Both drivers produce and
// consume the same shape so a session captured by one can be replayed by the
// other.
type StorageState struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins,omitempty"`
}

// Encode serializes the state into an opaque blob.
func (s StorageState) Encode() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, eris.Wrap(err, "driver: encode storage state")
	}
	return b, nil
}

// DecodeStorageState parses a blob produced by Encode.
func DecodeStorageState(blob []byte) (StorageState, error) {
	var s StorageState
	if len(blob) == 0 {
		return s, eris.New("driver: empty session blob")
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return s, eris.Wrap(err, "driver: decode storage state")
	}
	return s, nil
}

// Live drops cookies that expired before now.
func (s StorageState) Live(now time.Time) StorageState {
	out := StorageState{Origins: s.Origins}
	for _, c := range s.Cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out.Cookies = append(out.Cookies, c)
	}
	return out
}
