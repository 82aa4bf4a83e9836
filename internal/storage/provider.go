// Package storage defines the ingest inbox file-system abstraction.
package storage

import "github.com/starford/veritas/internal/models"

// Provider is the interface for inbox file operations.
type Provider interface {
	// Root returns the absolute inbox directory.
	Root() string
	// List returns metadata for every file under dir (relative to the inbox
	// root) accepted by match, skipping dot-directories.
	List(dir string, match func(name string) bool) ([]models.InboxFile, error)
	// Read returns the raw bytes of the file at path (relative to the inbox root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to the inbox root).
	Write(path string, content []byte) error
	// Move renames oldPath to newPath (both relative to the inbox root).
	Move(oldPath, newPath string) error
}
