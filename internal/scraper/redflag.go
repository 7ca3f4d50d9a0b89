// Package scraper fetches job feeds, queues their items and processes queued
// payloads into the job store.
package scraper

import (
	"strings"

	"jobmate/ingestion-service/internal/model"
)

// ContainsRedFlag returns true if any exclude term appears (case-insensitive)
// anywhere in the combined title + company + location + description text.
//
// Checked before an item is counted or queued; matching items are dropped.
func ContainsRedFlag(job model.NormalizedJob, terms []string) bool {
	if len(terms) == 0 {
		return false
	}
	combined := strings.ToLower(job.Title + " " + job.Company + " " + job.Location + " " + job.Description)
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		if strings.Contains(combined, strings.ToLower(term)) {
			return true
		}
	}
	return false
}
