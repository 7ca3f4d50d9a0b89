// jobmate-ingestion-service
//
// Pulls job offers from RSS/Atom feeds, queues every item on a Redis-backed
// queue and upserts them into PostgreSQL with a bounded worker pool. Each
// feed fetch leaves an import log whose counters the workers advance.
//
// Commands:
//   - serve   workers, cron trigger, HTTP health/metrics and the gRPC admin surface
//   - fetch   one synchronous fetch cycle, then exit
//   - migrate apply, roll back or inspect the schema
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[ingestion-service] %v\n", err)
		os.Exit(1)
	}
}
