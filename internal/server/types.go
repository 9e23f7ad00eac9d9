// Package server provides the HTTP surface of the gateway: upload,
// download, login and health endpoints over the gateway service.
package server

// UploadResponse is returned once an upload is stored and queued.
type UploadResponse struct {
	// Status is always "queued": conversion has not happened yet.
	Status string `json:"status"`
	// VideoBlobID is the stored source blob.
	VideoBlobID string `json:"video_blob_id"`
}

// DownloadRequest holds the query parameters of GET /download.
type DownloadRequest struct {
	// FID is the derived blob ID.
	FID string `validate:"required"`
}

// LoginResponse carries the token issued by the auth service.
type LoginResponse struct {
	Token string `json:"token"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoints.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// Checks holds per-dependency results on /readyz.
	Checks map[string]string `json:"checks,omitempty"`
}
