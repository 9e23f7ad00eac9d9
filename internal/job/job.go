// Package job defines the messages carried by the pipeline queues.
//
// A VideoJob is published on the video queue after a source upload is
// stored. An AudioReadyJob is published on the audio-ready queue after the
// derived audio is stored. Both are JSON; unknown fields are ignored so
// producers can add fields without breaking older consumers.
package job

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrMalformed is returned when a queue payload cannot be decoded or is
// missing required fields. Malformed messages are never retried.
var ErrMalformed = errors.New("job: malformed message")

var validate = validator.New()

// VideoJob asks the conversion workers to extract audio from a stored video.
type VideoJob struct {
	// VideoBlobID is the source blob ID.
	VideoBlobID string `json:"video_blob_id" validate:"required"`
	// DerivedBlobID is null on the wire until a worker has stored the audio.
	DerivedBlobID *string `json:"derived_blob_id"`
	// RequesterIdentity is the authenticated user that uploaded the video.
	RequesterIdentity string `json:"requester_identity" validate:"required"`
}

// NewVideoJob creates a job for a freshly stored source blob.
func NewVideoJob(videoBlobID, requester string) VideoJob {
	return VideoJob{
		VideoBlobID:       videoBlobID,
		RequesterIdentity: requester,
	}
}

// Encode serializes the job for publishing.
func (j VideoJob) Encode() ([]byte, error) {
	if err := validate.Struct(j); err != nil {
		return nil, fmt.Errorf("job: invalid video job: %w", err)
	}
	return json.Marshal(j)
}

// AudioReady builds the follow-up message once derivedBlobID is stored.
func (j VideoJob) AudioReady(derivedBlobID string) AudioReadyJob {
	return AudioReadyJob{
		DerivedBlobID:     derivedBlobID,
		RequesterIdentity: j.RequesterIdentity,
	}
}

// DecodeVideoJob parses and validates a video queue payload.
func DecodeVideoJob(body []byte) (VideoJob, error) {
	var j VideoJob
	if err := decode(body, &j); err != nil {
		return VideoJob{}, err
	}
	return j, nil
}

// AudioReadyJob tells the notification dispatcher that audio can be fetched.
type AudioReadyJob struct {
	DerivedBlobID     string `json:"derived_blob_id" validate:"required"`
	RequesterIdentity string `json:"requester_identity" validate:"required"`
}

// Encode serializes the job for publishing.
func (j AudioReadyJob) Encode() ([]byte, error) {
	if err := validate.Struct(j); err != nil {
		return nil, fmt.Errorf("job: invalid audio-ready job: %w", err)
	}
	return json.Marshal(j)
}

// DecodeAudioReadyJob parses and validates an audio-ready queue payload.
func DecodeAudioReadyJob(body []byte) (AudioReadyJob, error) {
	var j AudioReadyJob
	if err := decode(body, &j); err != nil {
		return AudioReadyJob{}, err
	}
	return j, nil
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}
