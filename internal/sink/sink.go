// internal/sink/sink.go
package sink

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/google/go-github/v62/github"
	"github.com/jackc/pgx/v5"

	"github-topic-harvester/internal/model"
)

const (
	// batchSize keeps individual batch payloads within backend limits.
	batchSize = 100

	maxDescriptionBytes = 1024
)

const insertRepoSQL = `
INSERT INTO repositories (
	owner, name, description, url, homepage, language, license, visibility,
	topics, stars_count, forks_count, open_issues_count, watchers_count,
	repo_created_at, repo_pushed_at, repo_updated_at, discovered_via
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (owner, name) DO NOTHING`

// DB is the subset of pgxpool.Pool the sink needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Sink normalizes raw search records and writes them in conflict-ignoring
// batches. A row already present from a prior run is a skip, not an error.
type Sink struct {
	db     DB
	logger *slog.Logger
}

func New(db DB, logger *slog.Logger) *Sink {
	return &Sink{db: db, logger: logger}
}

// Ingest persists one page worth of raw repositories discovered under topic.
// Returns how many rows were newly inserted and how many were skipped as
// duplicates. Batch-level storage failures are logged and swallowed so the
// rest of the run still has a chance to persist; a failed batch counts as
// zero inserted.
func (s *Sink) Ingest(ctx context.Context, topic string, raw []*github.Repository) (inserted, skipped int) {
	for start := 0; start < len(raw); start += batchSize {
		end := min(start+batchSize, len(raw))
		ins, skp := s.ingestBatch(ctx, topic, raw[start:end])
		inserted += ins
		skipped += skp
	}
	return inserted, skipped
}

func (s *Sink) ingestBatch(ctx context.Context, topic string, raw []*github.Repository) (int, int) {
	batch := &pgx.Batch{}
	queued := 0
	for _, r := range raw {
		rec, ok := normalize(topic, r)
		if !ok {
			s.logger.Warn("dropping malformed search record", "topic", topic)
			continue
		}
		batch.Queue(insertRepoSQL,
			rec.Owner, rec.Name, rec.Description, rec.URL, rec.Homepage,
			rec.Language, rec.License, rec.Visibility, rec.Topics,
			rec.StarsCount, rec.ForksCount, rec.OpenIssuesCount, rec.WatchersCount,
			rec.RepoCreatedAt, rec.RepoPushedAt, rec.RepoUpdatedAt, rec.DiscoveredVia)
		queued++
	}
	if queued == 0 {
		return 0, 0
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	ins := 0
	for i := 0; i < queued; i++ {
		tag, err := br.Exec()
		if err != nil {
			s.logger.Error("repository batch insert failed", "error", err, "batch_size", queued)
			return 0, 0
		}
		ins += int(tag.RowsAffected())
	}
	return ins, queued - ins
}

// normalize maps a raw API record onto the storage schema, defaulting
// nullable fields and truncating long text. Records without the natural key
// are rejected rather than stored with undefined values.
func normalize(topic string, r *github.Repository) (model.Repository, bool) {
	owner := r.GetOwner().GetLogin()
	name := r.GetName()
	if owner == "" || name == "" {
		return model.Repository{}, false
	}

	rec := model.Repository{
		Owner:           owner,
		Name:            name,
		URL:             r.GetHTMLURL(),
		Homepage:        nilIfEmpty(r.Homepage),
		Language:        nilIfEmpty(r.Language),
		Visibility:      r.GetVisibility(),
		Topics:          r.Topics,
		StarsCount:      r.GetStargazersCount(),
		ForksCount:      r.GetForksCount(),
		OpenIssuesCount: r.GetOpenIssuesCount(),
		WatchersCount:   r.GetWatchersCount(),
		RepoCreatedAt:   r.GetCreatedAt().Time,
		RepoPushedAt:    r.GetPushedAt().Time,
		RepoUpdatedAt:   r.GetUpdatedAt().Time,
		DiscoveredVia:   topic,
	}
	if rec.Visibility == "" {
		rec.Visibility = "public"
	}
	if rec.Topics == nil {
		rec.Topics = []string{}
	}
	if r.Description != nil {
		desc := truncate(*r.Description, maxDescriptionBytes)
		rec.Description = &desc
	}
	if spdx := r.GetLicense().GetSPDXID(); spdx != "" {
		rec.License = &spdx
	}
	return rec, true
}

// truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

func nilIfEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
