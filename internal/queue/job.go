package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Job is the message exchanged on both queues. Video queue messages carry
// only VideoFID; completion messages carry both ids.
type Job struct {
	VideoFID string `json:"video_fid" validate:"required"`
	MP3FID   string `json:"mp3_fid,omitempty"`
}

// Complete attaches the converted blob. It may only happen once.
func (j Job) Complete(mp3FID string) (Job, error) {
	if j.MP3FID != "" {
		return j, ErrAlreadyCompleted
	}
	if mp3FID == "" {
		return j, errors.New("empty mp3 fid")
	}
	j.MP3FID = mp3FID
	return j, nil
}

// DecodeVideoJob parses a video queue message. Anything that is not exactly
// {"video_fid": "<id>"} fails with ErrPermanent.
func DecodeVideoJob(body []byte) (Job, error) {
	j, err := decode(body)
	if err != nil {
		return Job{}, err
	}
	if j.MP3FID != "" {
		return Job{}, fmt.Errorf("%w: video job already carries mp3_fid", ErrPermanent)
	}
	return j, nil
}

// DecodeCompletionJob parses a completion queue message.
func DecodeCompletionJob(body []byte) (Job, error) {
	j, err := decode(body)
	if err != nil {
		return Job{}, err
	}
	if j.MP3FID == "" {
		return Job{}, fmt.Errorf("%w: completion job without mp3_fid", ErrPermanent)
	}
	return j, nil
}

func decode(body []byte) (Job, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	var j Job
	if err := dec.Decode(&j); err != nil {
		return Job{}, fmt.Errorf("%w: decode: %v", ErrPermanent, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return Job{}, fmt.Errorf("%w: trailing data after job", ErrPermanent)
	}
	if err := validate.Struct(j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return j, nil
}
