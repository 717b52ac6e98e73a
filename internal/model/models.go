// internal/model/models.go
package model

import "time"

// Repository is the normalized form of one harvested GitHub repository.
// The (Owner, Name) pair is the natural key in the result store; a row is
// inserted once and conflicting re-inserts are silently ignored.
type Repository struct {
	ID              int64
	Owner           string
	Name            string
	Description     *string
	URL             string
	Homepage        *string
	Language        *string
	License         *string
	Visibility      string
	Topics          []string
	StarsCount      int
	ForksCount      int
	OpenIssuesCount int
	WatchersCount   int
	RepoCreatedAt   time.Time
	RepoPushedAt    time.Time
	RepoUpdatedAt   time.Time
	DiscoveredVia   string
	DBCreatedAt     time.Time
}

// Checkpoint is the single durable progress record for a harvest job.
// TopicIndex and ShardIndex address the current unit in the partition plan;
// Cursor is an opaque pagination token (nil means start of the unit) and is
// only ever interpreted against the unit the indices point at.
// CycleComplete is a transient signal consumed at the start of the next run.
type Checkpoint struct {
	JobID         string
	TopicIndex    int
	ShardIndex    int
	Cursor        *string
	CycleComplete bool
	UpdatedAt     time.Time
}
