package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/ceagles/receipt-tracker/internal/model"
)

// EnvelopeVersion is the only schema version this build reads and writes.
const EnvelopeVersion = 1

const sealedPrefix = "sealed:v1:"

var (
	// ErrVersion marks an envelope written by an incompatible build.
	ErrVersion = eris.New("session: unsupported envelope version")
	// ErrIdentity marks an envelope that belongs to another identity.
	ErrIdentity = eris.New("session: identity mismatch")
	// ErrSealed marks a sealed envelope that cannot be opened with the
	// configured key, or any sealed envelope when no key is configured.
	ErrSealed = eris.New("session: cannot open sealed envelope")
)

type envelope struct {
	Version         int       `json:"version"`
	Identity        string    `json:"identity"`
	CapturedAt      time.Time `json:"captured_at"`
	ValiditySeconds int64     `json:"validity_seconds"`
	Blob            []byte    `json:"blob"`
}

// encode serializes state, sealing it when s is non-nil.
func encode(state model.SessionState, s *sealer) ([]byte, error) {
	raw, err := json.Marshal(envelope{
		Version:         EnvelopeVersion,
		Identity:        state.Identity,
		CapturedAt:      state.CapturedAt.UTC(),
		ValiditySeconds: int64(state.Validity / time.Second),
		Blob:            state.Blob,
	})
	if err != nil {
		return nil, eris.Wrap(err, "session: marshal envelope")
	}
	if s == nil {
		return raw, nil
	}
	return s.seal(raw, state.Identity)
}

// decode parses data for identity. Any failure means the record is unusable.
func decode(data []byte, identity string, s *sealer) (model.SessionState, error) {
	var zero model.SessionState
	if strings.HasPrefix(string(data), sealedPrefix) {
		if s == nil {
			return zero, ErrSealed
		}
		opened, err := s.open(data, identity)
		if err != nil {
			return zero, err
		}
		data = opened
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return zero, eris.Wrap(err, "session: unmarshal envelope")
	}
	if env.Version != EnvelopeVersion {
		return zero, eris.Wrapf(ErrVersion, "got %d", env.Version)
	}
	if env.Identity != identity {
		return zero, ErrIdentity
	}
	if len(env.Blob) == 0 {
		return zero, eris.New("session: empty blob")
	}
	return model.SessionState{
		Identity:   env.Identity,
		Blob:       env.Blob,
		CapturedAt: env.CapturedAt,
		Validity:   time.Duration(env.ValiditySeconds) * time.Second,
	}, nil
}

// sealer encrypts envelopes with XChaCha20-Poly1305. The identity is bound
// as associated data so a sealed record cannot be replayed under another
// identity.
type sealer struct {
	key []byte
}

func newSealer(secret string) (*sealer, error) {
	if secret == "" {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("receipt-tracker session envelope v1"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, eris.Wrap(err, "session: derive key")
	}
	return &sealer{key: key}, nil
}

func (s *sealer) seal(plain []byte, identity string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, eris.Wrap(err, "session: init cipher")
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, eris.Wrap(err, "session: read nonce")
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(identity))
	out := make([]byte, 0, len(sealedPrefix)+base64.StdEncoding.EncodedLen(len(sealed)))
	out = append(out, sealedPrefix...)
	return base64.StdEncoding.AppendEncode(out, sealed), nil
}

func (s *sealer) open(data []byte, identity string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(string(data), sealedPrefix))
	if err != nil {
		return nil, eris.Wrap(ErrSealed, "decode base64")
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, eris.Wrap(err, "session: init cipher")
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return nil, eris.Wrap(ErrSealed, "truncated")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, []byte(identity))
	if err != nil {
		return nil, eris.Wrap(ErrSealed, "authenticate")
	}
	return plain, nil
}
