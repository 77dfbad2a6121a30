// ABOUTME: Password-derived encode/verify scheme protecting documents and fields at rest
// ABOUTME: Wire format is <salt-hex>::<verification-tag-hex>::<payload-hex>

package blob

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrAuthentication is returned when the verification tag does not match:
// wrong password or corrupted data.
var ErrAuthentication = errors.New("wrong password or corrupted data")

// ErrFormat is returned for malformed encoded values, or for document
// payloads that are not valid JSON.
var ErrFormat = errors.New("malformed encoded value")

const (
	// separator joins the salt, verification tag and payload segments.
	separator = "::"

	// saltSize is the number of random salt bytes generated per encode.
	// A fresh salt is drawn on every encode, never reused.
	saltSize = 16
)

// DeriveKey turns (password, saltHex) into a deterministic verification key:
// hex(SHA256(password ‖ saltHex)). Pure function, no side effects.
func DeriveKey(password, saltHex string) string {
	sum := sha256.Sum256([]byte(password + saltHex))
	return hex.EncodeToString(sum[:])
}

// encode produces the salt::tag::payload triple for arbitrary plaintext.
// The payload is the plaintext rendered as hex; the derived key is used only
// to compute the verification tag, not to transform the payload.
func encode(plaintext []byte, password string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	saltHex := hex.EncodeToString(salt)

	key := DeriveKey(password, saltHex)
	payloadHex := hex.EncodeToString(plaintext)
	tag := sha256.Sum256([]byte(payloadHex + key))

	return saltHex + separator + hex.EncodeToString(tag[:]) + separator + payloadHex, nil
}

// decode verifies the tag and returns the plaintext.
func decode(encoded, password string) ([]byte, error) {
	saltHex, tagHex, payloadHex, ok := splitParts(encoded)
	if !ok {
		return nil, fmt.Errorf("%w: expected 3 non-empty segments", ErrFormat)
	}

	key := DeriveKey(password, saltHex)
	tag := sha256.Sum256([]byte(payloadHex + key))
	if hex.EncodeToString(tag[:]) != tagHex {
		return nil, ErrAuthentication
	}

	plaintext, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid hex", ErrFormat)
	}
	return plaintext, nil
}

// EncodeDocument encodes a whole JSON document. The document must be valid
// JSON; anything else is rejected with ErrFormat before encoding.
func EncodeDocument(doc []byte, password string) (string, error) {
	if !json.Valid(doc) {
		return "", fmt.Errorf("%w: document payload is not valid JSON", ErrFormat)
	}
	return encode(doc, password)
}

// DecodeDocument verifies and decodes a whole-document blob. The recovered
// payload must parse as JSON.
func DecodeDocument(encoded, password string) ([]byte, error) {
	doc, err := decode(encoded, password)
	if err != nil {
		return nil, err
	}
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: document payload is not valid JSON", ErrFormat)
	}
	return doc, nil
}

// EncodeField encodes a single scalar value. Unlike the document variant
// there is no JSON precondition.
func EncodeField(value, password string) (string, error) {
	return encode([]byte(value), password)
}

// DecodeField verifies and decodes a single scalar value.
func DecodeField(encoded, password string) (string, error) {
	value, err := decode(encoded, password)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// IsEncoded reports whether a stored value is recognized as encoded: exactly
// three non-empty ::-delimited segments. Legacy plaintext values fail this
// probe and are re-encoded by the store on first read.
func IsEncoded(s string) bool {
	_, _, _, ok := splitParts(s)
	return ok
}

func splitParts(s string) (saltHex, tagHex, payloadHex string, ok bool) {
	parts := strings.Split(s, separator)
	if len(parts) != 3 {
		return "", "", "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", "", "", false
		}
	}
	return parts[0], parts[1], parts[2], true
}
