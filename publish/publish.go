// Package publish hands finished clips to the social platform. The error
// sentinels here drive the coordinator's retry policy.
package publish

import (
	"context"
	"errors"
)

var (
	// ErrRateLimited means the platform asked us to slow down. Retryable.
	ErrRateLimited = errors.New("publish: rate limited")
	// ErrTransient covers network and server-side failures. Retryable.
	ErrTransient = errors.New("publish: transient error")
	// ErrRejected means the platform refused the content. Never retried.
	ErrRejected = errors.New("publish: rejected by platform")
)

// Retryable reports whether the error is worth another attempt with the
// same clip.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Publisher posts one clip and returns the platform's post id.
type Publisher interface {
	Publish(ctx context.Context, filePath, caption string) (string, error)
}
