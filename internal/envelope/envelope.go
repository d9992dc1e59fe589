// Package envelope seals structured payloads with two-tier AES-256-GCM
// encryption: every payload gets a fresh one-time data key, and that data key
// is itself sealed under a process-wide wrapping key.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	Version   = 1
	Algorithm = "AES-256-GCM"

	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

var (
	// ErrCrypto covers unknown versions or algorithms, malformed fields,
	// authentication failures and bad unwrapped key lengths.
	ErrCrypto = errors.New("envelope crypto error")
	// ErrConfig reports a missing or malformed wrapping key.
	ErrConfig = errors.New("envelope config error")
)

// WrappedKey is the one-time data key sealed under the wrapping key.
type WrappedKey struct {
	Alg           string `json:"alg"`
	IVB64         string `json:"iv_b64"`
	TagB64        string `json:"tag_b64"`
	CiphertextB64 string `json:"ciphertext_b64"`
}

// Blob is the version 1 sealed form of one payload.
type Blob struct {
	V             int        `json:"v"`
	Alg           string     `json:"alg"`
	IVB64         string     `json:"iv_b64"`
	TagB64        string     `json:"tag_b64"`
	CiphertextB64 string     `json:"ciphertext_b64"`
	WrappedKey    WrappedKey `json:"wrappedKey"`
}

// Service seals and opens payloads. It is safe for concurrent use.
type Service struct {
	keys   KeySource
	random io.Reader
}

func NewService(keys KeySource) *Service {
	return &Service{keys: keys, random: rand.Reader}
}

// Seal encodes payload as JSON and seals it under a fresh data key.
func (s *Service) Seal(payload any) (Blob, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Blob{}, fmt.Errorf("encode payload: %w", err)
	}
	return s.SealBytes(plaintext)
}

// SealBytes seals an already encoded payload.
func (s *Service) SealBytes(plaintext []byte) (Blob, error) {
	kek, err := s.wrappingKey()
	if err != nil {
		return Blob{}, err
	}
	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(s.random, dek); err != nil {
		return Blob{}, fmt.Errorf("generate data key: %w", err)
	}
	data, err := s.seal(dek, plaintext)
	if err != nil {
		return Blob{}, err
	}
	wrapped, err := s.seal(kek, dek)
	if err != nil {
		return Blob{}, err
	}
	return Blob{
		V:             Version,
		Alg:           Algorithm,
		IVB64:         b64(data.nonce),
		TagB64:        b64(data.tag),
		CiphertextB64: b64(data.ciphertext),
		WrappedKey: WrappedKey{
			Alg:           Algorithm,
			IVB64:         b64(wrapped.nonce),
			TagB64:        b64(wrapped.tag),
			CiphertextB64: b64(wrapped.ciphertext),
		},
	}, nil
}

// Open returns the JSON encoding of the sealed payload.
func (s *Service) Open(blob Blob) (json.RawMessage, error) {
	if err := checkHeader(blob); err != nil {
		return nil, err
	}
	dek, err := s.unwrap(blob.WrappedKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := openPart(dek, blob.IVB64, blob.TagB64, blob.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	if !json.Valid(plaintext) {
		return nil, fmt.Errorf("%w: payload is not valid json", ErrCrypto)
	}
	return json.RawMessage(plaintext), nil
}

// OpenInto opens blob and decodes the payload into out.
func (s *Service) OpenInto(blob Blob, out any) error {
	raw, err := s.Open(blob)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// Rewrap re-seals the data key of blob under the current wrapping key. The
// data key is unwrapped with previous, or with the current and retired keys
// when previous is nil; the payload ciphertext is untouched.
func (s *Service) Rewrap(blob Blob, previous KeySource) (Blob, error) {
	if err := checkHeader(blob); err != nil {
		return Blob{}, err
	}
	newKEK, err := s.wrappingKey()
	if err != nil {
		return Blob{}, err
	}
	var dek []byte
	if previous == nil {
		dek, err = s.unwrap(blob.WrappedKey)
	} else {
		var oldKEK []byte
		if oldKEK, err = loadKey(previous); err != nil {
			return Blob{}, err
		}
		dek, err = unwrapDataKey(oldKEK, blob.WrappedKey)
	}
	if err != nil {
		return Blob{}, err
	}
	wrapped, err := s.seal(newKEK, dek)
	if err != nil {
		return Blob{}, err
	}
	blob.WrappedKey = WrappedKey{
		Alg:           Algorithm,
		IVB64:         b64(wrapped.nonce),
		TagB64:        b64(wrapped.tag),
		CiphertextB64: b64(wrapped.ciphertext),
	}
	return blob, nil
}

func (s *Service) wrappingKey() ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: envelope service is not configured", ErrConfig)
	}
	return loadKey(s.keys)
}

// unwrap opens the data key with the current wrapping key and, failing that,
// with each retired key the source keeps.
func (s *Service) unwrap(wk WrappedKey) ([]byte, error) {
	kek, err := s.wrappingKey()
	if err != nil {
		return nil, err
	}
	dek, err := unwrapDataKey(kek, wk)
	if err == nil {
		return dek, nil
	}
	retired, ok := s.keys.(RetiredKeySource)
	if !ok {
		return nil, err
	}
	for _, old := range retired.RetiredKeys() {
		if dek, retiredErr := unwrapDataKey(old, wk); retiredErr == nil {
			return dek, nil
		}
	}
	return nil, err
}

type sealed struct {
	nonce      []byte
	tag        []byte
	ciphertext []byte
}

func (s *Service) seal(key, plaintext []byte) (sealed, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.random, nonce); err != nil {
		return sealed{}, fmt.Errorf("read nonce: %w", err)
	}
	// Go appends the tag to the ciphertext; the wire format keeps them apart.
	out := aead.Seal(nil, nonce, plaintext, nil)
	split := len(out) - TagSize
	return sealed{nonce: nonce, tag: out[split:], ciphertext: out[:split]}, nil
}

func checkHeader(blob Blob) error {
	if blob.V != Version {
		return fmt.Errorf("%w: unsupported blob version %d", ErrCrypto, blob.V)
	}
	if blob.Alg != Algorithm {
		return fmt.Errorf("%w: unsupported alg %q", ErrCrypto, blob.Alg)
	}
	if blob.WrappedKey.Alg != Algorithm {
		return fmt.Errorf("%w: unsupported wrapped key alg %q", ErrCrypto, blob.WrappedKey.Alg)
	}
	return nil
}

func unwrapDataKey(kek []byte, wk WrappedKey) ([]byte, error) {
	dek, err := openPart(kek, wk.IVB64, wk.TagB64, wk.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("wrapped key: %w", err)
	}
	if len(dek) != KeySize {
		return nil, fmt.Errorf("%w: unwrapped data key has %d bytes", ErrCrypto, len(dek))
	}
	return dek, nil
}

func openPart(key []byte, ivB64, tagB64, ciphertextB64 string) ([]byte, error) {
	nonce, err := fromB64(ivB64)
	if err != nil {
		return nil, err
	}
	tag, err := fromB64(tagB64)
	if err != nil {
		return nil, err
	}
	ciphertext, err := fromB64(ciphertextB64)
	if err != nil {
		return nil, err
	}
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonce has %d bytes", ErrCrypto, len(nonce))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag has %d bytes", ErrCrypto, len(tag))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	sealedBytes := make([]byte, 0, len(ciphertext)+len(tag))
	sealedBytes = append(sealedBytes, ciphertext...)
	sealedBytes = append(sealedBytes, tag...)
	plaintext, err := aead.Open(nil, nonce, sealedBytes, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrCrypto)
	}
	return plaintext, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: new gcm: %v", ErrCrypto, err)
	}
	return aead, nil
}

func b64(buf []byte) string {
	return base64.StdEncoding.EncodeToString(buf)
}

func fromB64(s string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrCrypto)
	}
	return buf, nil
}
