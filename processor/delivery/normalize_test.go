package delivery

import (
	"errors"
	"testing"

	"github.com/c360studio/dispatchengine/storage"
)

func TestOpenAINormalizer(t *testing.T) {
	body := []byte(`{
		"metadata": {"request_id": "req-1"},
		"choices": [{"message": {"content": "a quiet pond"}}]
	}`)
	res, err := GetNormalizer("openai").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.RequestID != "req-1" || !res.Success || res.Content != "a quiet pond" {
		t.Errorf("result = %+v", res)
	}
	if res.ContentKind != storage.ContentText {
		t.Errorf("kind = %s, want text", res.ContentKind)
	}
}

func TestOpenAINormalizerError(t *testing.T) {
	body := []byte(`{
		"metadata": {"request_id": "req-2"},
		"error": {"message": "rate limit exceeded"}
	}`)
	res, err := GetNormalizer("openai").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.Success {
		t.Error("expected failure result")
	}
	if res.ErrorMsg != "rate limit exceeded" {
		t.Errorf("error = %q", res.ErrorMsg)
	}
}

func TestAnthropicNormalizer(t *testing.T) {
	body := []byte(`{
		"request_id": "req-3",
		"content": [{"type": "text", "text": "hello"}]
	}`)
	res, err := GetNormalizer("anthropic").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !res.Success || res.Content != "hello" {
		t.Errorf("result = %+v", res)
	}
}

func TestStabilityNormalizer(t *testing.T) {
	body := []byte(`{
		"request_id": "req-4",
		"artifacts": [{"url": "https://cdn.example.com/img.png"}]
	}`)
	res, err := GetNormalizer("stability").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if !res.Success || res.Content != "https://cdn.example.com/img.png" {
		t.Errorf("result = %+v", res)
	}
	if res.ContentKind != storage.ContentImageURL {
		t.Errorf("kind = %s, want image_url", res.ContentKind)
	}
}

func TestRunwayNormalizerFailure(t *testing.T) {
	body := []byte(`{"task_id": "req-5", "status": "FAILED", "failure": "content policy"}`)
	res, err := GetNormalizer("runway").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.Success {
		t.Error("expected failure result")
	}
	if res.RequestID != "req-5" || res.ErrorMsg != "content policy" {
		t.Errorf("result = %+v", res)
	}
}

func TestGenericNormalizerProbesFieldsInOrder(t *testing.T) {
	// Both requestId and id present; requestId is declared earlier.
	body := []byte(`{"requestId": "req-6", "id": "other", "output": "done"}`)
	res, err := GetNormalizer("some-new-provider").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.RequestID != "req-6" {
		t.Errorf("request id = %s, want req-6 (declared order)", res.RequestID)
	}
	if !res.Success || res.Content != "done" {
		t.Errorf("result = %+v", res)
	}
}

func TestGenericNormalizerContentKindOverride(t *testing.T) {
	body := []byte(`{"request_id": "req-7", "content_type": "image_url", "url": "https://x.test/a.png"}`)
	res, err := GetNormalizer("unknown").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.ContentKind != storage.ContentImageURL {
		t.Errorf("kind = %s, want image_url", res.ContentKind)
	}
}

func TestNormalizerMissingRequestID(t *testing.T) {
	cases := map[string][]byte{
		"openai":  []byte(`{"choices": [{"message": {"content": "x"}}]}`),
		"generic": []byte(`{"output": "x"}`),
	}
	for name, body := range cases {
		if _, err := GetNormalizer(name).Normalize(body); !errors.Is(err, ErrMissingRequestID) {
			t.Errorf("%s: err = %v, want ErrMissingRequestID", name, err)
		}
	}
}

func TestGenericNormalizerErrorField(t *testing.T) {
	body := []byte(`{"request_id": "req-8", "error": "backend exploded"}`)
	res, err := GetNormalizer("unknown").Normalize(body)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if res.Success || res.ErrorMsg != "backend exploded" {
		t.Errorf("result = %+v", res)
	}
}
