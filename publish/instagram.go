package publish

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Default Graph API endpoints. Overridable for tests.
const (
	defaultGraphURL  = "https://graph.facebook.com/v21.0"
	defaultUploadURL = "https://rupload.facebook.com/ig-api-upload/v21.0"
)

// Instagram publishes Reels through the Graph API resumable upload flow:
// create a media container, stream the file to the upload host, wait for
// processing, then publish the container.
type Instagram struct {
	httpClient *http.Client
	graphURL   string
	uploadURL  string
	token      string
	userID     string
	maxBytes   int64

	// pollInterval controls container status polling. Shortened in tests.
	pollInterval time.Duration
}

// NewInstagram builds a publisher for one account. maxBytes is the platform
// size limit; files over it are rejected locally without an upload attempt.
func NewInstagram(token, userID string, maxBytes int64) *Instagram {
	return &Instagram{
		httpClient:   &http.Client{Timeout: 5 * time.Minute},
		graphURL:     defaultGraphURL,
		uploadURL:    defaultUploadURL,
		token:        token,
		userID:       userID,
		maxBytes:     maxBytes,
		pollInterval: 5 * time.Second,
	}
}

// Publish uploads the clip and returns the published media id.
func (c *Instagram) Publish(ctx context.Context, filePath, caption string) (string, error) {
	st, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("stat clip: %w", err)
	}
	if c.maxBytes > 0 && st.Size() > c.maxBytes {
		return "", fmt.Errorf("%w: clip is %d bytes, limit %d", ErrRejected, st.Size(), c.maxBytes)
	}

	containerID, err := c.createContainer(ctx, caption)
	if err != nil {
		return "", err
	}

	if err := c.uploadFile(ctx, containerID, filePath, st.Size()); err != nil {
		return "", err
	}

	if err := c.waitForContainer(ctx, containerID); err != nil {
		return "", err
	}

	return c.publishContainer(ctx, containerID)
}

// createContainer registers a resumable Reels container and returns its id.
func (c *Instagram) createContainer(ctx context.Context, caption string) (string, error) {
	form := url.Values{}
	form.Set("media_type", "REELS")
	form.Set("upload_type", "resumable")
	form.Set("caption", caption)
	form.Set("access_token", c.token)

	body, err := c.postForm(ctx, fmt.Sprintf("%s/%s/media", c.graphURL, c.userID), form)
	if err != nil {
		return "", fmt.Errorf("create media container: %w", err)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: container response had no id", ErrRejected)
	}
	return id, nil
}

// uploadFile streams the clip bytes to the resumable upload host.
func (c *Instagram) uploadFile(ctx context.Context, containerID, filePath string, size int64) error {
	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open clip: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", c.uploadURL, containerID), f)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Authorization", "OAuth "+c.token)
	req.Header.Set("offset", "0")
	req.Header.Set("file_size", fmt.Sprintf("%d", size))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: upload: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return fmt.Errorf("upload clip: %w", err)
	}
	if !gjson.GetBytes(body, "success").Bool() {
		return fmt.Errorf("%w: upload not acknowledged: %s", ErrTransient, truncate(body))
	}
	return nil
}

// waitForContainer polls until the platform finishes processing the upload.
func (c *Instagram) waitForContainer(ctx context.Context, containerID string) error {
	u := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
		c.graphURL, containerID, url.QueryEscape(c.token))

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: container status: %v", ErrTransient, err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()

		if err := classifyStatus(resp.StatusCode, body); err != nil {
			return fmt.Errorf("container status: %w", err)
		}

		switch status := gjson.GetBytes(body, "status_code").String(); status {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return fmt.Errorf("%w: container status %s", ErrRejected, status)
		default:
			log.Printf("Container %s still processing (status=%s)", containerID, status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// publishContainer flips the processed container live and returns the
// media id.
func (c *Instagram) publishContainer(ctx context.Context, containerID string) (string, error) {
	form := url.Values{}
	form.Set("creation_id", containerID)
	form.Set("access_token", c.token)

	body, err := c.postForm(ctx, fmt.Sprintf("%s/%s/media_publish", c.graphURL, c.userID), form)
	if err != nil {
		return "", fmt.Errorf("publish container: %w", err)
	}

	id := gjson.GetBytes(body, "id").String()
	if id == "" {
		return "", fmt.Errorf("%w: publish response had no media id", ErrTransient)
	}
	return id, nil
}

func (c *Instagram) postForm(ctx context.Context, u string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	if err := classifyStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// classifyStatus maps an HTTP response onto the retry taxonomy: 429 is rate
// limiting, 5xx is transient, any other non-2xx is a permanent rejection.
func classifyStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP 429: %s", ErrRateLimited, truncate(body))
	case status >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", ErrTransient, status, truncate(body))
	default:
		return fmt.Errorf("%w: HTTP %d: %s", ErrRejected, status, truncate(body))
	}
}

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
