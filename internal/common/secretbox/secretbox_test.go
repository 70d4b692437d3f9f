package secretbox

import (
	"strings"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	box, err := New("master-secret", "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	payload := []byte(`{"promptText":"hello world"}`)
	sealed, err := box.Seal(payload)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(sealed, "hello") {
		t.Error("sealed payload leaks plaintext")
	}

	opened, err := box.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(payload) {
		t.Errorf("Open = %q, want %q", opened, payload)
	}
}

func TestPerAgentKeys(t *testing.T) {
	box1, err := New("master-secret", "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	box2, err := New("master-secret", "agent-2")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	sealed, err := box1.Seal([]byte("for agent-1 only"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := box2.Open(sealed); err == nil {
		t.Error("agent-2 box should not open agent-1 payloads")
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	box, err := New("master-secret", "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sealed, err := box.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip a character in the base64 body.
	tampered := []byte(sealed)
	if tampered[len(tampered)-5] == 'A' {
		tampered[len(tampered)-5] = 'B'
	} else {
		tampered[len(tampered)-5] = 'A'
	}
	if _, err := box.Open(string(tampered)); err == nil {
		t.Error("Open should reject tampered payloads")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	box, err := New("master-secret", "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := box.Open("not-base64!!!"); err == nil {
		t.Error("Open should reject invalid base64")
	}
	if _, err := box.Open("AAAA"); err == nil {
		t.Error("Open should reject too-short payloads")
	}
}

func TestSealJSONRoundTrip(t *testing.T) {
	box, err := New("master-secret", "agent-1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	type req struct {
		PromptText string `json:"promptText"`
	}
	env, err := box.SealJSON(req{PromptText: "do the thing"})
	if err != nil {
		t.Fatalf("SealJSON: %v", err)
	}
	if env.Encrypted == "" {
		t.Fatal("envelope is empty")
	}

	var got req
	if err := box.OpenJSON(env, &got); err != nil {
		t.Fatalf("OpenJSON: %v", err)
	}
	if got.PromptText != "do the thing" {
		t.Errorf("PromptText = %q", got.PromptText)
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New("", "agent-1"); err == nil {
		t.Error("New should reject empty master secret")
	}
	if _, err := New("secret", ""); err == nil {
		t.Error("New should reject empty agent id")
	}
}

func TestGenerateMasterSecret(t *testing.T) {
	s1, err := GenerateMasterSecret()
	if err != nil {
		t.Fatalf("GenerateMasterSecret: %v", err)
	}
	s2, err := GenerateMasterSecret()
	if err != nil {
		t.Fatalf("GenerateMasterSecret: %v", err)
	}
	if s1 == s2 {
		t.Error("secrets should be random")
	}
}
