// Package openai is the cloud object detector. It sends each frame to a
// vision-capable OpenAI chat model and asks for detections as a JSON object
// in the same shape the local detector returns.
//
// The model cannot track objects between frames, so detections without an
// id are numbered from [RemoteIDBase] upward within each response.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/visionvoice/pkg/provider/detect"
	"github.com/MrWong99/visionvoice/pkg/types"
)

var _ detect.Detector = (*Detector)(nil)

// RemoteIDBase is the first id assigned to detections the model left
// unnumbered.
const RemoteIDBase = 1_000_000

const (
	defaultModel   = "gpt-4o-mini"
	defaultQuality = 70
	defaultDetail  = "low"
	maxTokens      = 1024
)

const systemPrompt = `You are the vision module of an assistive device for blind users.
List every relevant object in the image as JSON:
{"detections":[{"class":"person","confidence":0.9,"bbox":{"x1":0,"y1":0,"x2":0,"y2":0},"attributes":{}}]}
Use pixel coordinates of the image. Use lowercase singular class names such as
person, car, bicycle, chair, table, door, stairs, traffic light.
Put notable details (colour, text, action) into attributes. Reply with JSON only.`

type config struct {
	baseURL    string
	timeout    time.Duration
	quality    int
	detail     string
	maxRetries int
}

// Option configures a [Detector].
type Option func(*config)

// WithBaseURL overrides the OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithQuality sets the JPEG quality of the uploaded frame. Default: 70.
func WithQuality(q int) Option {
	return func(c *config) { c.quality = q }
}

// WithDetail sets the image detail level ("low", "high" or "auto").
// Default: "low".
func WithDetail(detail string) Option {
	return func(c *config) { c.detail = detail }
}

// WithMaxRetries sets how often the client retries failed requests. A
// negative value keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// Detector implements [detect.Detector] using the OpenAI chat API.
type Detector struct {
	client  oai.Client
	model   string
	quality int
	detail  string
}

// New constructs a cloud detector. An empty model selects gpt-4o-mini.
func New(apiKey, model string, opts ...Option) (*Detector, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = defaultModel
	}
	cfg := &config{quality: defaultQuality, detail: defaultDetail, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Detector{
		client:  oai.NewClient(reqOpts...),
		model:   model,
		quality: cfg.quality,
		detail:  cfg.detail,
	}, nil
}

// Detect implements [detect.Detector].
func (d *Detector) Detect(ctx context.Context, frame types.Frame) ([]types.Detection, error) {
	jpg, err := detect.EncodeJPEG(frame.Image, d.quality)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Chat.Completions.New(ctx, d.buildParams(jpg))
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}
	dets, err := detect.DecodeResponse([]byte(stripFence(resp.Choices[0].Message.Content)))
	if err != nil {
		return nil, err
	}
	return numberDetections(dets), nil
}

func (d *Detector) buildParams(jpg []byte) oai.ChatCompletionNewParams {
	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpg)
	return oai.ChatCompletionNewParams{
		Model: shared.ChatModel(d.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(systemPrompt),
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart("Detect the objects in this camera frame."),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
					URL:    dataURL,
					Detail: d.detail,
				}),
			}),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
		MaxCompletionTokens: param.NewOpt(int64(maxTokens)),
	}
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func numberDetections(dets []types.Detection) []types.Detection {
	next := RemoteIDBase
	for i := range dets {
		if dets[i].ID == 0 {
			dets[i].ID = next
			next++
		}
	}
	return dets
}
