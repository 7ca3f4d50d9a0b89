package scraper

import (
	"context"

	"jobmate/ingestion-service/internal/logger"
)

// FetchAll fetches feedURLs one after another. A failing feed is recorded on
// its own import log and never stops the rest; only cancellation of ctx
// ends the batch early.
func (f *FeedFetcher) FetchAll(ctx context.Context, feedURLs []string) []Result {
	f.log.Info("Fetch cycle started", logger.Int("feeds", len(feedURLs)))

	results := make([]Result, 0, len(feedURLs))
	var failed, queued int
	for _, u := range feedURLs {
		if ctx.Err() != nil {
			f.log.Warn("Fetch cycle cancelled", logger.Int("remaining", len(feedURLs)-len(results)))
			break
		}
		res := f.Fetch(ctx, u)
		if res.Err != nil {
			failed++
		}
		queued += res.Fetched
		results = append(results, res)
	}

	f.log.Info("Fetch cycle complete",
		logger.Int("feeds", len(results)),
		logger.Int("failed", failed),
		logger.Int("items", queued),
	)
	return results
}
