package source

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// DriveSource lists and downloads videos from one Google Drive folder using
// a read-only service account.
type DriveSource struct {
	svc      *drive.Service
	folderID string
}

// NewDriveSource builds a Drive client from a service account JSON file.
func NewDriveSource(ctx context.Context, credentialsFile, folderID string) (*DriveSource, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}

	config, err := google.JWTConfigFromJSON(data, drive.DriveReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithHTTPClient(config.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	return &DriveSource{svc: svc, folderID: folderID}, nil
}

// List returns the folder's video files sorted by name, so posting order
// follows the operator's numbering scheme.
func (d *DriveSource) List(ctx context.Context) ([]Video, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType contains 'video/' and trashed = false", d.folderID)

	var out []Video
	pageToken := ""
	for {
		call := d.svc.Files.List().
			Q(query).
			PageSize(100).
			Fields("nextPageToken, files(id, name, size, createdTime)").
			OrderBy("name").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list drive folder %s: %w", d.folderID, err)
		}

		for _, f := range resp.Files {
			if !IsVideoFile(f.Name) {
				continue
			}
			created, _ := time.Parse(time.RFC3339, f.CreatedTime)
			out = append(out, Video{ID: f.Id, Name: f.Name, Size: f.Size, CreatedAt: created})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Download fetches the video into destDir and returns the local path. A
// zero-byte download is treated as a failure.
func (d *DriveSource) Download(ctx context.Context, v Video, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	resp, err := d.svc.Files.Get(v.ID).Context(ctx).Download()
	if err != nil {
		if apiErr, ok := err.(*googleapi.Error); ok && apiErr.Code == 404 {
			return "", fmt.Errorf("%w: drive file %s", ErrNotFound, v.ID)
		}
		return "", fmt.Errorf("download drive file %s: %w", v.ID, err)
	}
	defer resp.Body.Close()

	dest := filepath.Join(destDir, v.Name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dest)
		return "", fmt.Errorf("write %s: %w", dest, err)
	}
	if n == 0 {
		_ = os.Remove(dest)
		return "", fmt.Errorf("downloaded file %s is empty", v.Name)
	}
	return dest, nil
}
