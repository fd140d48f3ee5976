package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return fmt.Sprintf("%d %s", e.StatusCode, strings.ToLower(http.StatusText(e.StatusCode)))
	}
}

// ImageData is the raw encoded image. It travels base64 encoded in JSON.
type ImageData []byte

// ClassifyRequest is the request passed to [Client.Classify].
type ClassifyRequest struct {
	// Model is the preset name, e.g. van_tiny.
	Model string `json:"model"`

	// Images are classified as one batch.
	Images []ImageData `json:"images"`

	// TopK is the number of classes returned per image. Defaults to 5.
	TopK int `json:"top_k,omitempty"`
}

// Prediction is a class index with its softmax probability.
type Prediction struct {
	Index int     `json:"index"`
	Score float32 `json:"score"`
}

// ClassifyResponse holds the predictions for each image in request order.
type ClassifyResponse struct {
	Model       string         `json:"model"`
	Predictions [][]Prediction `json:"predictions"`

	TotalDuration time.Duration `json:"total_duration,omitempty"`
}

// ShowRequest is the request passed to [Client.Show].
type ShowRequest struct {
	Model string `json:"model" form:"model"`
}

// ShowResponse describes a model preset.
type ShowResponse struct {
	Model         string         `json:"model"`
	Config        map[string]any `json:"config"`
	Parameters    uint64         `json:"parameters"`
	ParameterSize string         `json:"parameter_size"`
	Checkpoint    string         `json:"checkpoint,omitempty"`
}

// ListResponse names the available presets.
type ListResponse struct {
	Models []string `json:"models"`
}

type VersionResponse struct {
	Version string `json:"version"`
}
