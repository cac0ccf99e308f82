package models

import "time"

// Artifact records one stored object of a repository.
type Artifact struct {
	ID             string
	RepositoryID   string
	PackageName    string
	Version        string
	StorageKey     string
	ContentHash    string
	Size           int64
	LastAccessedAt time.Time
	CreatedAt      time.Time
}
