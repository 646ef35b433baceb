package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"quantrelay/internal/crypto"
	"quantrelay/internal/domain"
)

// PutIdentity registers or rotates an identity's public key. Rotation keeps
// the identity's credentials.
func (s *Store) PutIdentity(ctx context.Context, id domain.Identity) error {
	if id.ID == "" {
		return errors.New("store: identity id is required")
	}
	if _, err := crypto.KEMByID(id.KEM); err != nil {
		return fmt.Errorf("store: identity %s: %w", id.ID, err)
	}
	if len(id.PublicKey) == 0 {
		return fmt.Errorf("store: identity %s has no public key", id.ID)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identity (id, kem, public_key) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kem = excluded.kem, public_key = excluded.public_key`,
		id.ID, id.KEM, id.PublicKey,
	)
	if err != nil {
		return fmt.Errorf("store: put identity: %w", err)
	}
	return nil
}

// Identity loads an identity by id.
func (s *Store) Identity(ctx context.Context, id string) (*domain.Identity, error) {
	out := &domain.Identity{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT kem, public_key FROM identity WHERE id = ?", id,
	).Scan(&out.KEM, &out.PublicKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("identity %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	return out, nil
}

// IssueCredential creates a new bearer credential for identityID. Only its
// hash is stored; the returned token cannot be recovered later.
func (s *Store) IssueCredential(ctx context.Context, identityID string) (string, error) {
	if _, err := s.Identity(ctx, identityID); err != nil {
		return "", err
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("store: draw credential: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO credential (token_hash, identity_id, created_at) VALUES (?, ?, ?)",
		hashCredential(token), identityID, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("store: issue credential: %w", err)
	}
	return token, nil
}

// RevokeCredentials removes every credential of identityID
func (s *Store) RevokeCredentials(ctx context.Context, identityID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM credential WHERE identity_id = ?", identityID)
	if err != nil {
		return fmt.Errorf("store: revoke credentials: %w", err)
	}
	return nil
}

// Authenticate maps a bearer credential to its identity id.
func (s *Store) Authenticate(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", domain.ErrInvalidCredential
	}
	var identityID string
	err := s.db.QueryRowContext(ctx,
		"SELECT identity_id FROM credential WHERE token_hash = ?", hashCredential(credential),
	).Scan(&identityID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrInvalidCredential
	}
	if err != nil {
		return "", fmt.Errorf("store: authenticate: %w", err)
	}
	return identityID, nil
}

func hashCredential(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}
