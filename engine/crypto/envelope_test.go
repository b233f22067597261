package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, KeySize)
	e, err := New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func testRecord() domain.Record {
	vec := make([]float32, domain.VectorDim)
	for i := range vec {
		vec[i] = float32(i) * 0.25
	}
	return domain.Record{
		ID:        "rec-1",
		PatientID: "P1",
		Vector:    vec,
		Text:      "presenting with elevated heart rate",
		Metadata:  map[string]string{"source": "triage", "visit": "2024-03-01"},
		CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNew_BadKeyLength(t *testing.T) {
	if _, err := New([]byte("short")); !errors.Is(err, domain.ErrInit) {
		t.Fatalf("expected ErrInit, got %v", err)
	}
}

func TestDataKey_RoundTrip(t *testing.T) {
	e := testEnvelope(t)
	wrapped, plaintext, err := e.GenerateDataKey()
	if err != nil {
		t.Fatalf("GenerateDataKey: %v", err)
	}
	if len(plaintext) != KeySize {
		t.Fatalf("data key length = %d", len(plaintext))
	}
	got, err := e.DecryptDataKey(wrapped)
	if err != nil {
		t.Fatalf("DecryptDataKey: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("unwrapped key differs from original")
	}
}

func TestDataKey_FreshPerCall(t *testing.T) {
	e := testEnvelope(t)
	_, k1, _ := e.GenerateDataKey()
	_, k2, _ := e.GenerateDataKey()
	if bytes.Equal(k1, k2) {
		t.Fatal("data keys must be unique per call")
	}
}

func TestDecryptDataKey_Tampered(t *testing.T) {
	e := testEnvelope(t)
	wrapped, _, _ := e.GenerateDataKey()
	for i := range wrapped {
		mutated := bytes.Clone(wrapped)
		mutated[i] ^= 0x01
		if _, err := e.DecryptDataKey(mutated); !errors.Is(err, domain.ErrAuthentication) {
			t.Fatalf("byte %d: expected ErrAuthentication, got %v", i, err)
		}
	}
}

func TestDecryptDataKey_WrongMasterKey(t *testing.T) {
	e := testEnvelope(t)
	wrapped, _, _ := e.GenerateDataKey()

	other, err := New(bytes.Repeat([]byte{0x43}, KeySize))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := other.DecryptDataKey(wrapped); !errors.Is(err, domain.ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	e := testEnvelope(t)
	rec := testRecord()

	env, err := e.EncryptRecord(rec)
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}
	if env.ID != rec.ID || env.PatientID != rec.PatientID {
		t.Fatal("plaintext identifiers must survive encryption")
	}

	got, err := e.DecryptRecord(env)
	if err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
	if got.ID != rec.ID || got.PatientID != rec.PatientID || got.Text != rec.Text {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Vector) != len(rec.Vector) {
		t.Fatalf("vector length %d != %d", len(got.Vector), len(rec.Vector))
	}
	for i := range rec.Vector {
		if got.Vector[i] != rec.Vector[i] {
			t.Fatalf("vector[%d] = %v, want %v", i, got.Vector[i], rec.Vector[i])
		}
	}
	for k, v := range rec.Metadata {
		if got.Metadata[k] != v {
			t.Fatalf("metadata[%s] = %q, want %q", k, got.Metadata[k], v)
		}
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, rec.CreatedAt)
	}
}

func TestRecord_FreshDataKeyPerRecord(t *testing.T) {
	e := testEnvelope(t)
	rec := testRecord()
	env1, _ := e.EncryptRecord(rec)
	env2, _ := e.EncryptRecord(rec)
	if bytes.Equal(env1.WrappedKey, env2.WrappedKey) {
		t.Fatal("wrapped keys must differ across records")
	}
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Fatal("ciphertexts must differ under fresh keys and nonces")
	}
}

func TestDecryptRecord_Tampered(t *testing.T) {
	e := testEnvelope(t)
	env, err := e.EncryptRecord(testRecord())
	if err != nil {
		t.Fatalf("EncryptRecord: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*domain.EncryptedEnvelope)
	}{
		{"ciphertext bit flip", func(v *domain.EncryptedEnvelope) { v.Ciphertext[0] ^= 0x01 }},
		{"ciphertext last byte", func(v *domain.EncryptedEnvelope) { v.Ciphertext[len(v.Ciphertext)-1] ^= 0x80 }},
		{"nonce bit flip", func(v *domain.EncryptedEnvelope) { v.Nonce[0] ^= 0x01 }},
		{"wrapped key bit flip", func(v *domain.EncryptedEnvelope) { v.WrappedKey[4] ^= 0x01 }},
		{"truncated nonce", func(v *domain.EncryptedEnvelope) { v.Nonce = v.Nonce[:4] }},
		{"truncated wrapped key", func(v *domain.EncryptedEnvelope) { v.WrappedKey = v.WrappedKey[:3] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := env
			mutated.Ciphertext = bytes.Clone(env.Ciphertext)
			mutated.Nonce = bytes.Clone(env.Nonce)
			mutated.WrappedKey = bytes.Clone(env.WrappedKey)
			tt.mutate(&mutated)
			if _, err := e.DecryptRecord(mutated); !errors.Is(err, domain.ErrAuthentication) {
				t.Fatalf("expected ErrAuthentication, got %v", err)
			}
		})
	}
}

func TestLoadMasterKey_Env(t *testing.T) {
	hexKey, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey: %v", err)
	}
	t.Setenv(MasterKeyEnv, hexKey)

	key, err := LoadMasterKey("")
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if hex.EncodeToString(key) != hexKey {
		t.Fatal("loaded key differs from env key")
	}
}

func TestLoadMasterKey_File(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	hexKey, _ := GenerateMasterKey()
	path := filepath.Join(t.TempDir(), "master.key")
	if err := os.WriteFile(path, []byte(hexKey+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := LoadMasterKey(path)
	if err != nil {
		t.Fatalf("LoadMasterKey: %v", err)
	}
	if hex.EncodeToString(key) != hexKey {
		t.Fatal("loaded key differs from file key")
	}
}

func TestLoadMasterKey_Missing(t *testing.T) {
	t.Setenv(MasterKeyEnv, "")
	if _, err := LoadMasterKey(""); !errors.Is(err, domain.ErrInit) {
		t.Fatalf("expected ErrInit, got %v", err)
	}
}

func TestLoadMasterKey_BadHex(t *testing.T) {
	t.Setenv(MasterKeyEnv, "not-hex!")
	if _, err := LoadMasterKey(""); !errors.Is(err, domain.ErrInit) {
		t.Fatalf("expected ErrInit, got %v", err)
	}
}
