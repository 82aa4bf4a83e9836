package models

import "time"

// InboxFile is a batch document waiting in the ingest inbox.
type InboxFile struct {
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}
