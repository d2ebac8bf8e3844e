package postgres

import (
	"context"
	"fmt"

	"github.com/halyardhq/halyard/internal/domain/identity"
)

// --- Identities ---

func (s *Store) CreateIdentity(ctx context.Context, id *identity.Identity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO identities (id, owner_id, name, git_author_name, git_author_email, private_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		id.ID, id.OwnerID, id.Name, id.GitAuthorName, id.GitAuthorEmail,
		nullIfEmpty(id.PrivateKey), id.CreatedAt)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (s *Store) GetIdentity(ctx context.Context, ownerID, identityID string) (*identity.Identity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, git_author_name, git_author_email, COALESCE(private_key, ''), created_at
		 FROM identities WHERE id = $1 AND owner_id = $2`,
		identityID, ownerID)

	var id identity.Identity
	err := row.Scan(&id.ID, &id.OwnerID, &id.Name, &id.GitAuthorName, &id.GitAuthorEmail,
		&id.PrivateKey, &id.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get identity %s", identityID)
	}
	return &id, nil
}

// --- Repos ---

func (s *Store) CreateRepo(ctx context.Context, r *identity.Repo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO repos (id, owner_id, name, url, default_branch, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.OwnerID, r.Name, r.URL, r.DefaultBranch, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create repo: %w", err)
	}
	return nil
}

func (s *Store) GetRepo(ctx context.Context, ownerID, repoID string) (*identity.Repo, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, url, default_branch, created_at
		 FROM repos WHERE id = $1 AND owner_id = $2`,
		repoID, ownerID)

	var r identity.Repo
	err := row.Scan(&r.ID, &r.OwnerID, &r.Name, &r.URL, &r.DefaultBranch, &r.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get repo %s", repoID)
	}
	return &r, nil
}

func (s *Store) ListRepos(ctx context.Context, ownerID string) ([]identity.Repo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, url, default_branch, created_at
		 FROM repos WHERE owner_id = $1 ORDER BY name ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []identity.Repo
	for rows.Next() {
		var r identity.Repo
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Name, &r.URL, &r.DefaultBranch, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}
