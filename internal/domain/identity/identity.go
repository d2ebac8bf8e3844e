// Package identity defines git author identities and repositories, resolved
// before any workspace operation. Git operations always use the resolved
// author identity and key, never ambient process credentials.
package identity

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/halyardhq/halyard/internal/domain"
)

// Identity holds the git author details and SSH key for a user.
type Identity struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	GitAuthorName  string    `json:"git_author_name"`
	GitAuthorEmail string    `json:"git_author_email"`
	PrivateKey     string    `json:"-"` // PEM-encoded, never serialized
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks required fields and that the private key parses.
func (i *Identity) Validate() error {
	if i.GitAuthorName == "" || i.GitAuthorEmail == "" {
		return fmt.Errorf("%w: git author name and email are required", domain.ErrValidation)
	}
	if i.PrivateKey != "" {
		if _, err := ssh.ParsePrivateKey([]byte(i.PrivateKey)); err != nil {
			return fmt.Errorf("%w: private key: %v", domain.ErrValidation, err)
		}
	}
	return nil
}

// ParseKey parses the identity's private key, trying passphrase when the key
// is encrypted. Returns a signer usable for SSH-agent style auth.
func (i *Identity) ParseKey(passphrase []byte) (ssh.Signer, error) {
	if i.PrivateKey == "" {
		return nil, fmt.Errorf("%w: identity %s has no private key", domain.ErrValidation, i.ID)
	}
	signer, err := ssh.ParsePrivateKey([]byte(i.PrivateKey))
	if err == nil {
		return signer, nil
	}
	if len(passphrase) > 0 {
		signer, perr := ssh.ParsePrivateKeyWithPassphrase([]byte(i.PrivateKey), passphrase)
		if perr == nil {
			return signer, nil
		}
		return nil, fmt.Errorf("parse encrypted private key: %w", perr)
	}
	return nil, fmt.Errorf("parse private key: %w", err)
}

// Repo is a registered git repository that sessions run against.
type Repo struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id"`
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks required fields.
func (r *Repo) Validate() error {
	if r.Name == "" || r.URL == "" {
		return fmt.Errorf("%w: repo name and url are required", domain.ErrValidation)
	}
	return nil
}
