package event

import "testing"

func TestSignature(t *testing.T) {
	body := []byte(`{"event_id":"e1","action":"request.completed"}`)

	sig := Signature("s3cr3t", body)
	if len(sig) != 64 {
		t.Fatalf("signature length = %d, want 64 hex chars", len(sig))
	}
	if !VerifySignature("s3cr3t", body, sig) {
		t.Error("VerifySignature failed for valid signature")
	}
	if VerifySignature("wrong", body, sig) {
		t.Error("VerifySignature passed with wrong secret")
	}
	if VerifySignature("s3cr3t", []byte("tampered"), sig) {
		t.Error("VerifySignature passed with tampered body")
	}
	if VerifySignature("s3cr3t", body, "not-hex") {
		t.Error("VerifySignature passed with malformed signature")
	}
}

func TestSignatureDeterministic(t *testing.T) {
	body := []byte("payload")
	if Signature("k", body) != Signature("k", body) {
		t.Error("signature not deterministic")
	}
	if Signature("k1", body) == Signature("k2", body) {
		t.Error("different secrets produced the same signature")
	}
}
