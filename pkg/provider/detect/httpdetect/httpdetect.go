// Package httpdetect is the local object detector. It posts each frame as a
// JPEG to an inference server on the device (or the local network) and reads
// back JSON detections:
//
//	POST /detect
//	Content-Type: image/jpeg
//
//	{"detections":[{"id":1,"class":"person","confidence":0.91,
//	                "bbox":{"x1":10,"y1":20,"x2":110,"y2":220}}]}
//
// The server is expected to keep object IDs stable across frames.
package httpdetect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var _ detect.Detector = (*Detector)(nil)

const (
	defaultTimeout = 5 * time.Second
	defaultQuality = 85
	detectEndpoint = "/detect"

	// maxErrBody bounds how much of an error response ends up in the error.
	maxErrBody = 256
)

// Option configures a [Detector].
type Option func(*Detector)

// WithHTTPClient replaces the HTTP client. Apply it before WithTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Detector) { d.httpClient = c }
}

// WithTimeout sets the per-request HTTP timeout. Default: 5s.
func WithTimeout(t time.Duration) Option {
	return func(d *Detector) { d.httpClient.Timeout = t }
}

// WithQuality sets the JPEG quality used for uploads. Default: 85.
func WithQuality(q int) Option {
	return func(d *Detector) { d.quality = q }
}

// WithMinConfidence drops detections below c. Default: 0 (keep all).
func WithMinConfidence(c float64) Option {
	return func(d *Detector) { d.minConfidence = c }
}

// Detector implements [detect.Detector] against a local inference server.
type Detector struct {
	serverURL     string
	quality       int
	minConfidence float64
	httpClient    *http.Client
}

// New creates a detector for the server at serverURL
// (e.g. "http://localhost:8000").
func New(serverURL string, opts ...Option) (*Detector, error) {
	if serverURL == "" {
		return nil, errors.New("httpdetect: serverURL must not be empty")
	}
	d := &Detector{
		serverURL:  strings.TrimRight(serverURL, "/"),
		quality:    defaultQuality,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Detect implements [detect.Detector].
func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	body, err := detect.EncodeJPEG(frame.Image, d.quality)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.serverURL+detectEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("httpdetect: create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpdetect: POST %s: %w", detectEndpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, fmt.Errorf("httpdetect: POST %s returned status %d: %s", detectEndpoint, resp.StatusCode, bytes.TrimSpace(msg))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpdetect: read response: %w", err)
	}
	dets, err := detect.DecodeResponse(data)
	if err != nil {
		return nil, err
	}
	if d.minConfidence <= 0 {
		return dets, nil
	}
	kept := dets[:0]
	for _, det := range dets {
		if det.Confidence >= d.minConfidence {
			kept = append(kept, det)
		}
	}
	return kept, nil
}
