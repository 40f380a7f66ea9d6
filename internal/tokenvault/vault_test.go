package tokenvault

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	plaintext := "v^1.1#i^1#access-token-value"
	sealed, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := v.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("expected %q, got %q", plaintext, got)
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	v, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	first, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := v.Encrypt("same-plaintext")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct ciphertexts for repeated plaintext")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	v, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	sealed, err := v.Encrypt("refresh-token-value")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	var payload struct {
		Version    int    `json:"version"`
		Nonce      string `json:"nonce"`
		Ciphertext string `json:"ciphertext"`
	}
	if err := json.Unmarshal([]byte(sealed), &payload); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	// Flip one bit inside the sealed data.
	raw := []byte(payload.Ciphertext)
	raw[len(raw)/2] ^= 0x01
	payload.Ciphertext = string(raw)
	tampered, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	out, err := v.Decrypt(string(tampered))
	if !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("expected ErrCiphertextInvalid, got %v", err)
	}
	if out != "" {
		t.Fatalf("expected no plaintext on failure, got %q", out)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	v, err := New("unit-test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	if _, err := v.Decrypt("not an envelope"); !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("expected ErrCiphertextInvalid, got %v", err)
	}
}

func TestNewRequiresKey(t *testing.T) {
	if _, err := New("  "); !errors.Is(err, ErrKeyMissing) {
		t.Fatalf("expected ErrKeyMissing, got %v", err)
	}
}

func TestGenerateStateFormatAndUniqueness(t *testing.T) {
	hexPattern := regexp.MustCompile(`^[0-9a-f]{64}$`)
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		state, err := GenerateState()
		if err != nil {
			t.Fatalf("generate state: %v", err)
		}
		if !hexPattern.MatchString(state) {
			t.Fatalf("expected 64 hex characters, got %q", state)
		}
		if _, dup := seen[state]; dup {
			t.Fatalf("duplicate state after %d draws", i)
		}
		seen[state] = struct{}{}
	}
}

func TestMemoryStateStoreConsumeOnce(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	state, err := GenerateState()
	if err != nil {
		t.Fatalf("generate state: %v", err)
	}
	if err := store.Save(ctx, state, 77, time.Minute); err != nil {
		t.Fatalf("save state: %v", err)
	}

	userID, err := store.Consume(ctx, state)
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if userID != 77 {
		t.Fatalf("expected user 77, got %d", userID)
	}

	if _, err := store.Consume(ctx, state); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}

func TestMemoryStateStoreExpiry(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()

	if err := store.Save(ctx, "stale-state", 77, -time.Second); err != nil {
		t.Fatalf("save state: %v", err)
	}
	if _, err := store.Consume(ctx, "stale-state"); !errors.Is(err, ErrStateMismatch) {
		t.Fatalf("expected expired state to be rejected, got %v", err)
	}
}
