package api

import (
	"context"
	"time"

	"github.com/p-arndt/codesandbox/internal/session"
)

// ArtifactService abstracts the session operations needed by the download handler.
type ArtifactService interface {
	DownloadArtifact(ctx context.Context, sessionID, filename string) (*session.ArtifactContent, error)
}

// Pinger reports whether the sandbox runtime is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Metrics records served requests.
type Metrics interface {
	ObserveHTTPRequest(method, route string, status int, d time.Duration)
}
