package domain

import (
	"encoding/json"
	"time"
)

// Record is one deduplicated extracted item, identified by (JobID, Fingerprint).
type Record struct {
	ID          string
	JobID       string
	RunID       string
	Category    string
	Fingerprint string
	Payload     json.RawMessage
	SourceURLs  []string
	FirstSeen   time.Time
	LastSeen    time.Time
	TimesSeen   int
}

// MergeSource appends u to urls unless it is empty or already present.
// The second return value reports whether urls changed.
func MergeSource(urls []string, u string) ([]string, bool) {
	if u == "" {
		return urls, false
	}
	for _, have := range urls {
		if have == u {
			return urls, false
		}
	}
	return append(urls, u), true
}
