package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/c360studio/dispatchengine/storage"
)

// ErrMissingRequestID reports a webhook payload whose correlator could
// not be recovered.
var ErrMissingRequestID = errors.New("request id not found in webhook payload")

// Result is the provider-neutral form of a backend response.
type Result struct {
	RequestID   string
	Success     bool
	ContentKind storage.ContentKind
	Content     string
	ErrorMsg    string
}

// Normalizer converts one provider's webhook payload into a Result.
type Normalizer interface {
	Name() string
	Normalize(body []byte) (*Result, error)
}

// normalizerRegistry holds registered normalizers.
var (
	normalizerRegistry = make(map[string]Normalizer)
	normalizerMu       sync.RWMutex
)

// RegisterNormalizer adds a normalizer to the registry.
func RegisterNormalizer(n Normalizer) {
	normalizerMu.Lock()
	defer normalizerMu.Unlock()
	normalizerRegistry[n.Name()] = n
}

// GetNormalizer retrieves a normalizer by provider name. Unknown
// providers fall back to the generic normalizer.
func GetNormalizer(name string) Normalizer {
	normalizerMu.RLock()
	defer normalizerMu.RUnlock()
	if n, ok := normalizerRegistry[name]; ok {
		return n
	}
	return genericNormalizer{}
}

func init() {
	RegisterNormalizer(openaiNormalizer{})
	RegisterNormalizer(anthropicNormalizer{})
	RegisterNormalizer(stabilityNormalizer{})
	RegisterNormalizer(elevenlabsNormalizer{})
	RegisterNormalizer(runwayNormalizer{})
}

// openaiNormalizer handles chat-completion shaped payloads. The adapter
// echoes the request id in metadata.
type openaiNormalizer struct{}

func (openaiNormalizer) Name() string { return "openai" }

func (openaiNormalizer) Normalize(body []byte) (*Result, error) {
	var payload struct {
		Metadata struct {
			RequestID string `json:"request_id"`
		} `json:"metadata"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse openai payload: %w", err)
	}
	if payload.Metadata.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	res := &Result{RequestID: payload.Metadata.RequestID, ContentKind: storage.ContentText}
	if payload.Error != nil {
		res.ErrorMsg = payload.Error.Message
		return res, nil
	}
	if len(payload.Choices) > 0 {
		res.Success = true
		res.Content = payload.Choices[0].Message.Content
	}
	return res, nil
}

// anthropicNormalizer handles messages-API shaped payloads.
type anthropicNormalizer struct{}

func (anthropicNormalizer) Name() string { return "anthropic" }

func (anthropicNormalizer) Normalize(body []byte) (*Result, error) {
	var payload struct {
		RequestID string `json:"request_id"`
		Metadata  struct {
			RequestID string `json:"request_id"`
		} `json:"metadata"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse anthropic payload: %w", err)
	}
	id := payload.RequestID
	if id == "" {
		id = payload.Metadata.RequestID
	}
	if id == "" {
		return nil, ErrMissingRequestID
	}
	res := &Result{RequestID: id, ContentKind: storage.ContentText}
	if payload.Error != nil {
		res.ErrorMsg = payload.Error.Message
		return res, nil
	}
	for _, block := range payload.Content {
		if block.Type == "text" {
			res.Success = true
			res.Content = block.Text
			break
		}
	}
	return res, nil
}

// stabilityNormalizer handles image-generation payloads carrying
// artifact URLs.
type stabilityNormalizer struct{}

func (stabilityNormalizer) Name() string { return "stability" }

func (stabilityNormalizer) Normalize(body []byte) (*Result, error) {
	var payload struct {
		RequestID string `json:"request_id"`
		Artifacts []struct {
			URL string `json:"url"`
		} `json:"artifacts"`
		Message string `json:"message"`
		Status  string `json:"status"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse stability payload: %w", err)
	}
	if payload.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	res := &Result{RequestID: payload.RequestID, ContentKind: storage.ContentImageURL}
	if len(payload.Artifacts) > 0 {
		res.Success = true
		res.Content = payload.Artifacts[0].URL
		return res, nil
	}
	res.ErrorMsg = payload.Message
	if res.ErrorMsg == "" {
		res.ErrorMsg = "no artifacts in response"
	}
	return res, nil
}

// elevenlabsNormalizer handles audio payloads.
type elevenlabsNormalizer struct{}

func (elevenlabsNormalizer) Name() string { return "elevenlabs" }

func (elevenlabsNormalizer) Normalize(body []byte) (*Result, error) {
	var payload struct {
		RequestID string `json:"request_id"`
		AudioURL  string `json:"audio_url"`
		Detail    string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse elevenlabs payload: %w", err)
	}
	if payload.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	res := &Result{RequestID: payload.RequestID, ContentKind: storage.ContentAudioURL}
	if payload.AudioURL != "" {
		res.Success = true
		res.Content = payload.AudioURL
		return res, nil
	}
	res.ErrorMsg = payload.Detail
	if res.ErrorMsg == "" {
		res.ErrorMsg = "no audio url in response"
	}
	return res, nil
}

// runwayNormalizer handles video task payloads.
type runwayNormalizer struct{}

func (runwayNormalizer) Name() string { return "runway" }

func (runwayNormalizer) Normalize(body []byte) (*Result, error) {
	var payload struct {
		RequestID string   `json:"request_id"`
		TaskID    string   `json:"task_id"`
		Status    string   `json:"status"`
		Output    []string `json:"output"`
		Failure   string   `json:"failure"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse runway payload: %w", err)
	}
	id := payload.RequestID
	if id == "" {
		id = payload.TaskID
	}
	if id == "" {
		return nil, ErrMissingRequestID
	}
	res := &Result{RequestID: id, ContentKind: storage.ContentVideoURL}
	if len(payload.Output) > 0 {
		res.Success = true
		res.Content = payload.Output[0]
		return res, nil
	}
	res.ErrorMsg = payload.Failure
	if res.ErrorMsg == "" {
		res.ErrorMsg = "status " + payload.Status
	}
	return res, nil
}

// requestIDFields and contentFields are probed in declared order by the
// generic normalizer.
var (
	requestIDFields = []string{"request_id", "requestId", "id", "reference_id"}
	contentFields   = []string{"content", "text", "output", "result", "url", "data"}
	errorFields     = []string{"error", "error_message", "failure", "detail"}
)

// genericNormalizer probes common field names for unknown providers.
type genericNormalizer struct{}

func (genericNormalizer) Name() string { return "generic" }

func (genericNormalizer) Normalize(body []byte) (*Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	id := probeString(payload, requestIDFields)
	if id == "" {
		return nil, ErrMissingRequestID
	}

	res := &Result{RequestID: id, ContentKind: storage.ContentText}
	if kind, ok := payload["content_type"].(string); ok && kind != "" {
		res.ContentKind = storage.ContentKind(kind)
	}
	if errMsg := probeString(payload, errorFields); errMsg != "" {
		res.ErrorMsg = errMsg
		return res, nil
	}
	if content := probeString(payload, contentFields); content != "" {
		res.Success = true
		res.Content = content
	}
	return res, nil
}

func probeString(payload map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := payload[f].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
