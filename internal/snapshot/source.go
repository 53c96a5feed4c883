package snapshot

import (
	"context"
	"log/slog"

	"github.com/divitel/kroket-quota/internal/quota"
)

// Source loads the newest snapshot from a directory on every call.
type Source struct {
	Dir     string
	Pattern string
	log     *slog.Logger
}

// NewSource returns a Source reading files matching pattern in dir.
func NewSource(dir, pattern string, log *slog.Logger) *Source {
	if log == nil {
		log = slog.Default()
	}
	return &Source{Dir: dir, Pattern: pattern, log: log}
}

// Subscribers returns the subscribers of the newest snapshot.
func (s *Source) Subscribers(ctx context.Context) ([]quota.Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.log.Info("fetching latest customer snapshot", "dir", s.Dir, "pattern", s.Pattern)
	path, subs, err := LoadLatest(s.Dir, s.Pattern)
	if err != nil {
		return nil, err
	}
	s.log.Info("customer snapshot loaded", "file", path, "customers", len(subs))
	return subs, nil
}
