package entities

import "time"

// CacheEntry is one downloaded remote video held on local disk.
type CacheEntry struct {
	Key        string    `json:"key"`
	Path       string    `json:"path"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
