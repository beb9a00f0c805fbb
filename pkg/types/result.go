package types

import "time"

// Box is a single detection reported by the worker
type Box struct {
	Label      string     `json:"label"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // x1, y1, x2, y2 in pixels
}

// Result is the payload returned to HTTP callers for one processed frame
type Result struct {
	Image string  `json:"image"` // Annotated frame, base64 PNG
	Boxes []Box   `json:"boxes"`
	FPS   float64 `json:"fps"`
}

// ResultEvent is a completed inference as seen by the feed and the store
type ResultEvent struct {
	RequestID  string    `json:"request_id"`
	UploadName string    `json:"upload_name,omitempty"`
	Boxes      []Box     `json:"boxes"`
	FPS        float64   `json:"fps"`
	Error      string    `json:"error,omitempty"`
	LatencyMS  float64   `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
