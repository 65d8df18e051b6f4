package transport

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/BaSui01/minionflow/internal/pool"
)

// Envelope kinds.
const (
	KindJob   = "job"
	KindPing  = "ping"
	KindEvent = "event"
)

// DefaultMaxAge is how far an envelope's send time may lie from the
// receiver's clock.
const DefaultMaxAge = 2 * time.Minute

const keyInfo = "minionflow envelope v1"

var (
	// ErrTampered is returned for envelopes that fail authentication.
	ErrTampered = errors.New("envelope failed authentication")
	// ErrUnsealed is returned when a key is configured but the envelope
	// carries its payload in clear.
	ErrUnsealed = errors.New("envelope not sealed")
	// ErrStale is returned for envelopes sent outside the freshness window.
	ErrStale = errors.New("envelope outside freshness window")
)

// Envelope wraps every message on the wire. With a key the payload
// travels only in Box as nonce followed by XChaCha20-Poly1305
// ciphertext; id, kind and send time are bound as associated data.
type Envelope struct {
	ID      string          `json:"id"`
	Kind    string          `json:"kind"`
	Sent    time.Time       `json:"sent"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Box     []byte          `json:"box,omitempty"`
}

func (e *Envelope) header() []byte {
	return []byte(e.ID + "\x00" + e.Kind + "\x00" + e.Sent.Format(time.RFC3339Nano))
}

// Sealer encrypts and opens envelopes with a shared key. A zero Sealer
// neither encrypts nor requires encryption.
type Sealer struct {
	aead   cipher.AEAD
	maxAge time.Duration
	now    func() time.Time
}

// NewSealer creates a sealer for key. The cipher key is derived from it
// with HKDF-SHA256.
func NewSealer(key string) Sealer {
	s := Sealer{maxAge: DefaultMaxAge}
	if key == "" {
		return s
	}
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), nil, []byte(keyInfo)), k); err != nil {
		panic(fmt.Sprintf("derive envelope key: %v", err))
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		panic(fmt.Sprintf("envelope cipher: %v", err))
	}
	s.aead = aead
	return s
}

// WithMaxAge returns a copy accepting envelopes sent within d of now.
// Non-positive d keeps DefaultMaxAge.
func (s Sealer) WithMaxAge(d time.Duration) Sealer {
	if d > 0 {
		s.maxAge = d
	}
	return s
}

func (s Sealer) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Seal encodes v as the payload of a new envelope.
func (s Sealer) Seal(kind string, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	env := Envelope{
		ID:   uuid.NewString(),
		Kind: kind,
		Sent: s.clock().UTC(),
	}
	if s.aead == nil {
		env.Payload = payload
	} else {
		n := s.aead.NonceSize()
		nonce := make([]byte, n, n+len(payload)+s.aead.Overhead())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("envelope nonce: %w", err)
		}
		env.Box = s.aead.Seal(nonce, nonce, payload, env.header())
	}

	buf := pool.Envelopes.Get()
	defer pool.Envelopes.Put(buf)
	if err := json.NewEncoder(buf).Encode(&env); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Open decodes, decrypts and checks the freshness of an envelope.
func (s Sealer) Open(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if s.aead == nil {
		return &env, nil
	}
	if len(env.Box) == 0 {
		return nil, ErrUnsealed
	}
	n := s.aead.NonceSize()
	if len(env.Box) < n+s.aead.Overhead() {
		return nil, ErrTampered
	}
	plain, err := s.aead.Open(nil, env.Box[:n], env.Box[n:], env.header())
	if err != nil {
		return nil, ErrTampered
	}
	env.Payload, env.Box = plain, nil

	maxAge := s.maxAge
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if age := s.clock().Sub(env.Sent); age > maxAge || age < -maxAge {
		return nil, fmt.Errorf("%w: sent %s ago", ErrStale, age.Round(time.Second))
	}
	return &env, nil
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s payload: empty", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}
