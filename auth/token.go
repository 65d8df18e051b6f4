package auth

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/BaSui01/minionflow/types"
)

// tokenBytes gives 256 bits of entropy per token value.
const tokenBytes = 32

// Token is an issued authentication token. Start and Expire are unix
// seconds so records stay readable by other tools sharing the store.
type Token struct {
	Value    string   `json:"token"`
	Name     string   `json:"name"`
	Eauth    string   `json:"eauth"`
	Groups   []string `json:"groups,omitempty"`
	Start    float64  `json:"start"`
	Expire   float64  `json:"expire"`
	AuthList []any    `json:"auth_list,omitempty"`
}

// Identity returns the token owner.
func (t *Token) Identity() types.Identity {
	return types.Identity{Backend: t.Eauth, Name: t.Name}
}

// IssuedAt returns Start as a time.
func (t *Token) IssuedAt() time.Time {
	return fromUnix(t.Start)
}

// ExpiresAt returns Expire as a time.
func (t *Token) ExpiresAt() time.Time {
	return fromUnix(t.Expire)
}

// Expired reports whether the token is no longer valid at now.
func (t *Token) Expired(now time.Time) bool {
	return t.Expire <= toUnix(now)
}

// tokenRecord mirrors Token with an optional expire so a record without
// one can be told apart from a zero expiry.
type tokenRecord struct {
	Value    string   `json:"token"`
	Name     string   `json:"name"`
	Eauth    string   `json:"eauth"`
	Groups   []string `json:"groups,omitempty"`
	Start    float64  `json:"start"`
	Expire   *float64 `json:"expire"`
	AuthList []any    `json:"auth_list,omitempty"`
}

var errNoExpire = errors.New("token record has no expire field")

func encodeToken(t *Token) ([]byte, error) {
	return json.Marshal(t)
}

func decodeToken(data []byte) (*Token, error) {
	var rec tokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	if rec.Expire == nil {
		return nil, errNoExpire
	}
	return &Token{
		Value:    rec.Value,
		Name:     rec.Name,
		Eauth:    rec.Eauth,
		Groups:   rec.Groups,
		Start:    rec.Start,
		Expire:   *rec.Expire,
		AuthList: rec.AuthList,
	}, nil
}

// newTokenValue returns a random hex token value.
func newTokenValue() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func toUnix(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnix(sec float64) time.Time {
	whole, frac := math.Modf(sec)
	return time.Unix(int64(whole), int64(frac*float64(time.Second)))
}

// shortToken is safe to log.
func shortToken(value string) string {
	if len(value) <= 8 {
		return value
	}
	return value[:8] + "..."
}
