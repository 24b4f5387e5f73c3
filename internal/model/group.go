package model

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"regexp"
)

// GroupIDPattern is the canonical shape of a MeshGroup.ID.
var GroupIDPattern = regexp.MustCompile(`^MESH_[A-Z0-9]{6}$`)

const groupIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// MeshGroup is a chat group addressable over the mesh. SymmetricKey is
// carried as metadata for a future encryption layer and is never applied to
// payloads by this core.
type MeshGroup struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	CreatedBy    string   `json:"createdBy"`
	CreatedAt    int64    `json:"createdAt"`
	Members      []string `json:"members"`
	SymmetricKey string   `json:"symmetricKey"`
	Password     string   `json:"password,omitempty"`
}

// HasMember reports whether name is already a member of g.
func (g MeshGroup) HasMember(name string) bool {
	for _, m := range g.Members {
		if m == name {
			return true
		}
	}
	return false
}

// WithMember returns a copy of g with name appended if it is not already a
// member. Member insertion is monotonic: this never removes an existing name.
func (g MeshGroup) WithMember(name string) MeshGroup {
	if g.HasMember(name) {
		return g
	}
	out := g
	out.Members = append(append([]string(nil), g.Members...), name)
	return out
}

// NewGroupID generates a random id matching GroupIDPattern.
func NewGroupID() (string, error) {
	suffix := make([]byte, 6)
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	for i, b := range raw {
		suffix[i] = groupIDAlphabet[int(b)%len(groupIDAlphabet)]
	}
	return "MESH_" + string(suffix), nil
}

// NewSymmetricKey returns 32 random bytes, base64 encoded (44 chars),
// matching the reference wire format. It is never used to encrypt payloads
// in this core.
func NewSymmetricKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ErrWrongPassword is returned by join operations when the supplied
// password does not match a password-gated group.
var ErrWrongPassword = errors.New("wrong password")
