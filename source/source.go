// Package source lists and downloads input videos from remote storage.
package source

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned when a listed video has disappeared from the
// remote folder before download.
var ErrNotFound = errors.New("source: not found")

// Video is a reference to one remote input.
type Video struct {
	ID        string
	Name      string
	Size      int64
	CreatedAt time.Time
}

// Source is the remote-storage collaborator. List returns name-sorted video
// files only; Download fetches one into destDir and returns the local path.
type Source interface {
	List(ctx context.Context) ([]Video, error)
	Download(ctx context.Context, v Video, destDir string) (string, error)
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
	".flv":  true,
	".wmv":  true,
	".m4v":  true,
}

// IsVideoFile reports whether the filename has a known video extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}
