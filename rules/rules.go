// Package rules manages the server-side filter rules that decide which posts
// the filtered stream delivers.
package rules

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultURL is the rule management endpoint paired with the default stream
const DefaultURL = "https://api.twitter.com/2/tweets/search/stream/rules"

// Rule is a filter predicate such as "#golang -is:retweet"
type Rule struct {
	ID    string `json:"id,omitempty"`
	Value string `json:"value"`
	Tag   string `json:"tag,omitempty"`
}

// Summary counts what the server did with a change request
type Summary struct {
	Created    int `json:"created"`
	NotCreated int `json:"not_created"`
	Deleted    int `json:"deleted"`
	NotDeleted int `json:"not_deleted"`
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
}

// API is the rule management surface used by Overwrite
type API interface {
	List(ctx context.Context) ([]Rule, error)
	Create(ctx context.Context, rules ...Rule) ([]Rule, error)
	Delete(ctx context.Context, ids ...string) error
}

// Overwrite replaces every active rule with rule. Listing and deleting are
// best-effort: failures are logged and the create always runs.
func Overwrite(ctx context.Context, api API, rule Rule) ([]Rule, error) {
	return OverwriteWithLogger(ctx, api, rule, log.Logger)
}

// OverwriteWithLogger is Overwrite with an explicit logger
func OverwriteWithLogger(ctx context.Context, api API, rule Rule, logger zerolog.Logger) ([]Rule, error) {
	existing, err := api.List(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list rules before overwrite")
	}

	if ids := IDs(existing); len(ids) > 0 {
		if err := api.Delete(ctx, ids...); err != nil {
			logger.Warn().Err(err).Strs("ids", ids).Msg("Failed to delete rules before overwrite")
		} else {
			logger.Info().Int("count", len(ids)).Msg("Deleted existing rules")
		}
	}

	return api.Create(ctx, rule)
}

// IDs returns the ids of rules in order, skipping empty ones
func IDs(rules []Rule) []string {
	ids := make([]string, 0, len(rules))
	for _, r := range rules {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
