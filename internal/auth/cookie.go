// Package auth provides the signed-cookie primitives for session identity.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
)

var ErrInvalidCookie = errors.New("invalid cookie")

// SignValue encodes a cookie value as payload.signature. The cookie name is
// bound into the signature so a value cannot be replayed under another name.
func SignValue(secret []byte, name, value string) string {
	payload := base64.RawURLEncoding.EncodeToString([]byte(value))
	return payload + "." + sign(secret, name, payload)
}

// VerifyValue decodes a signed cookie value, rejecting any tampered or
// foreign payload.
func VerifyValue(secret []byte, name, signed string) (string, error) {
	parts := strings.Split(signed, ".")
	if len(parts) != 2 {
		return "", ErrInvalidCookie
	}
	payload, signature := parts[0], parts[1]

	expected := sign(secret, name, payload)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return "", ErrInvalidCookie
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidCookie
	}
	return string(decoded), nil
}

func sign(secret []byte, name, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(name))
	_, _ = mac.Write([]byte{0})
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
