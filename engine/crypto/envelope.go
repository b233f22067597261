// Package crypto implements envelope encryption for record payloads.
// Each record is sealed under a fresh 256-bit data key; the data key is
// itself sealed under the process master key, so the master key never
// touches bulk data and re-keying only requires re-wrapping data keys.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aadthiyan/CipherCare-Chat-sub000/engine/domain"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
)

// payload is the sensitive portion of a record. ID and PatientID stay
// outside the ciphertext to support routing and filtering.
type payload struct {
	Vector    []float32         `json:"vector"`
	Text      string            `json:"text,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at,omitempty"`
}

// Envelope performs envelope encryption and decryption of records.
type Envelope struct {
	master cipher.AEAD
}

// New creates an Envelope from a 32-byte master key.
func New(masterKey []byte) (*Envelope, error) {
	if len(masterKey) != KeySize {
		return nil, &domain.InitError{
			Component: "crypto",
			Err:       fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey)),
		}
	}
	aead, err := newAEAD(masterKey)
	if err != nil {
		return nil, &domain.InitError{Component: "crypto", Err: err}
	}
	return &Envelope{master: aead}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// GenerateDataKey produces a fresh 256-bit data key and returns it both
// wrapped under the master key (persistable) and in plaintext (session-only).
// The wrapped form is nonce || sealed.
func (e *Envelope) GenerateDataKey() (wrapped, plaintext []byte, err error) {
	plaintext = make([]byte, KeySize)
	if _, err := rand.Read(plaintext); err != nil {
		return nil, nil, &domain.InitError{Component: "crypto", Err: err}
	}
	nonce := make([]byte, e.master.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, &domain.InitError{Component: "crypto", Err: err}
	}
	wrapped = e.master.Seal(nonce, nonce, plaintext, nil)
	return wrapped, plaintext, nil
}

// DecryptDataKey unwraps a data key. Tampering with the wrapped form fails
// the GCM tag check and is surfaced as an AuthError.
func (e *Envelope) DecryptDataKey(wrapped []byte) ([]byte, error) {
	ns := e.master.NonceSize()
	if len(wrapped) < ns {
		return nil, &domain.AuthError{Op: "unwrap key", Err: fmt.Errorf("wrapped key too short")}
	}
	key, err := e.master.Open(nil, wrapped[:ns], wrapped[ns:], nil)
	if err != nil {
		return nil, &domain.AuthError{Op: "unwrap key", Err: err}
	}
	return key, nil
}

// EncryptRecord seals a record's sensitive payload under a fresh data key
// with a fresh random nonce. Data keys are never reused across records.
func (e *Envelope) EncryptRecord(r domain.Record) (domain.EncryptedEnvelope, error) {
	wrapped, dataKey, err := e.GenerateDataKey()
	if err != nil {
		return domain.EncryptedEnvelope{}, err
	}
	aead, err := newAEAD(dataKey)
	if err != nil {
		return domain.EncryptedEnvelope{}, &domain.InitError{Component: "crypto", Err: err}
	}

	plain, err := json.Marshal(payload{
		Vector:    r.Vector,
		Text:      r.Text,
		Metadata:  r.Metadata,
		CreatedAt: r.CreatedAt,
	})
	if err != nil {
		return domain.EncryptedEnvelope{}, fmt.Errorf("crypto: marshal payload: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return domain.EncryptedEnvelope{}, &domain.InitError{Component: "crypto", Err: err}
	}

	return domain.EncryptedEnvelope{
		ID:         r.ID,
		PatientID:  r.PatientID,
		WrappedKey: wrapped,
		Nonce:      nonce,
		Ciphertext: aead.Seal(nil, nonce, plain, nil),
	}, nil
}

// DecryptRecord unwraps the data key and opens the payload. Any tampering of
// ciphertext, nonce, or wrapped key fails with an AuthError, never silently
// returning corrupted plaintext.
func (e *Envelope) DecryptRecord(env domain.EncryptedEnvelope) (domain.Record, error) {
	dataKey, err := e.DecryptDataKey(env.WrappedKey)
	if err != nil {
		return domain.Record{}, err
	}
	aead, err := newAEAD(dataKey)
	if err != nil {
		return domain.Record{}, &domain.AuthError{Op: "open record", Err: err}
	}
	if len(env.Nonce) != aead.NonceSize() {
		return domain.Record{}, &domain.AuthError{Op: "open record", Err: fmt.Errorf("bad nonce length %d", len(env.Nonce))}
	}
	plain, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return domain.Record{}, &domain.AuthError{Op: "open record", Err: err}
	}

	var p payload
	if err := json.Unmarshal(plain, &p); err != nil {
		return domain.Record{}, fmt.Errorf("crypto: unmarshal payload: %w", err)
	}
	return domain.Record{
		ID:        env.ID,
		PatientID: env.PatientID,
		Vector:    p.Vector,
		Text:      p.Text,
		Metadata:  p.Metadata,
		CreatedAt: p.CreatedAt,
	}, nil
}
