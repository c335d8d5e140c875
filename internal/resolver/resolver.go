package resolver

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"reelforge/internal/model"
)

// Resolver maps a completed job's raw result onto stable, externally
// fetchable endpoint paths. Raw locators use internal storage schemes
// (vault://...) and must never reach a caller; the endpoints here are
// keyed only by job id, so the storage backend can change without
// breaking anyone who already observed a resolved shape.
type Resolver struct {
	basePath    string
	gatewayBase string
}

// New creates a Resolver rooting endpoints at basePath (default
// "/v1/videos").
func New(basePath string) *Resolver {
	return NewWithGateway(basePath, "")
}

// NewWithGateway additionally configures the storage gateway base URL
// that ExternalURL rewrites internal locators onto.
func NewWithGateway(basePath, gatewayBase string) *Resolver {
	if basePath == "" {
		basePath = "/v1/videos"
	}
	if gatewayBase == "" {
		gatewayBase = "/storage"
	}
	return &Resolver{basePath: basePath, gatewayBase: strings.TrimRight(gatewayBase, "/")}
}

// Resolved is the external-facing form of a job result.
type Resolved struct {
	DownloadPath    string  `json:"downloadPath"`
	PreviewPath     string  `json:"previewPath,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
	SizeBytes       int64   `json:"sizeBytes"`
	Resolution      string  `json:"resolution"`
}

// Resolve produces the endpoints for a job's raw result. It is pure:
// repeated resolution of the same job yields identical endpoints.
// A nil raw result resolves to nil.
func (r *Resolver) Resolve(jobID uuid.UUID, raw *model.Result) *Resolved {
	if raw == nil {
		return nil
	}
	out := &Resolved{
		DownloadPath:    r.basePath + "/" + jobID.String() + "/download",
		DurationSeconds: raw.DurationSeconds,
		SizeBytes:       raw.SizeBytes,
		Resolution:      raw.Resolution,
	}
	if raw.PreviewLocator != "" {
		out.PreviewPath = r.basePath + "/" + jobID.String() + "/preview"
	}
	return out
}

// ExternalURL rewrites an internal locator onto the storage gateway.
// vault://bucket/key becomes <gatewayBase>/bucket/key; http(s) URLs
// pass through untouched. Any other scheme is rejected.
func (r *Resolver) ExternalURL(locator string) (string, error) {
	switch {
	case strings.HasPrefix(locator, "vault://"):
		return r.gatewayBase + "/" + strings.TrimPrefix(locator, "vault://"), nil
	case strings.HasPrefix(locator, "http://"), strings.HasPrefix(locator, "https://"):
		return locator, nil
	default:
		return "", fmt.Errorf("unsupported locator scheme: %q", locator)
	}
}
