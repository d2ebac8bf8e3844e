// Package review defines the review-surface entities: changed files,
// side-by-side diffs and per-file review marks.
package review

import "time"

// FileStatus classifies a changed file relative to the diff base.
type FileStatus string

const (
	StatusAdded    FileStatus = "added"
	StatusModified FileStatus = "modified"
	StatusDeleted  FileStatus = "deleted"
	StatusRenamed  FileStatus = "renamed"
)

// ChangedFile is one entry of a session diff summary.
type ChangedFile struct {
	Path      string     `json:"path"`
	Status    FileStatus `json:"status"`
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	OldPath   string     `json:"old_path,omitempty"` // set for renames
}

// FileDiff holds both sides of a file for side-by-side rendering.
// Original is nil for added files, Modified is nil for deleted files.
type FileDiff struct {
	Path     string  `json:"path"`
	Original *string `json:"original"`
	Modified *string `json:"modified"`
}

// FileReview marks a file as reviewed at a specific content hash. The mark
// is stale once the file's current hash no longer matches — review state is
// tracked independently of the session lifecycle.
type FileReview struct {
	OwnerID    string    `json:"owner_id"`
	RepoID     string    `json:"repo_id"`
	SessionID  string    `json:"session_id"`
	Path       string    `json:"path"`
	BlobHash   string    `json:"blob_hash"`
	ReviewedAt time.Time `json:"reviewed_at"`
}

// ReviewedFile is a FileReview joined with staleness against the live tree.
type ReviewedFile struct {
	FileReview
	Stale bool `json:"stale"`
}

// PushResult reports the outcome of committing and pushing a session branch.
type PushResult struct {
	Branch     string `json:"branch"`
	Committed  bool   `json:"committed"`
	CommitHash string `json:"commit_hash,omitempty"`
}
