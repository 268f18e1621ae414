package entity

import "github.com/google/uuid"

// ExtractionRequestMessage is the inbound message from the video.extraction queue.
type ExtractionRequestMessage struct {
	JobID     uuid.UUID `json:"job_id"`
	UserID    string    `json:"user_id"`
	VideoKey  string    `json:"video_key"`
	FileSize  int64     `json:"file_size"`
	UserEmail string    `json:"user_email"`
}

// ExtractionStatusMessage is the outbound message published to the video.status queue.
type ExtractionStatusMessage struct {
	JobID        uuid.UUID `json:"job_id"`
	UserID       string    `json:"user_id"`
	Status       JobStatus `json:"status"`
	VideoKey     string    `json:"video_key"`
	FeatureKey   string    `json:"feature_key,omitempty"`
	Variant      string    `json:"variant,omitempty"`
	FrameCount   int       `json:"frame_count,omitempty"`
	ClipCount    int       `json:"clip_count,omitempty"`
	EmbeddingDim int       `json:"embedding_dim,omitempty"`
	Duration     float64   `json:"duration_seconds,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempt      int       `json:"attempt"`
	MaxAttempts  int       `json:"max_attempts"`
}
