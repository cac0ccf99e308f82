package models

import "time"

// CacheEntry is a cached upstream response.
type CacheEntry struct {
	Key         string
	Timestamp   time.Time
	Payload     []byte
	ContentType string
}

// Age returns how long ago the entry was stored.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}
