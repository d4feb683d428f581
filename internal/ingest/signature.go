package ingest

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"hash"
	"net/http"
	"strings"
)

const (
	headerSHA256 = "X-Hub-Signature-256"
	headerSHA1   = "X-Hub-Signature"
)

// errVerification is deliberately uninformative.
var errVerification = errors.New("signature verification failed")

// verifyRequest checks the GitHub-style signature headers against body.
// X-Hub-Signature-256 ("sha256=<hex>") is preferred; X-Hub-Signature
// ("sha1=<hex>") is accepted when it is the only one present.
func verifyRequest(h http.Header, body []byte, secret string) error {
	if sig := h.Get(headerSHA256); sig != "" {
		return verifySignature(body, sig, secret)
	}
	if sig := h.Get(headerSHA1); sig != "" {
		return verifySignature(body, sig, secret)
	}
	return errVerification
}

// verifySignature compares a "sha256=" or "sha1=" prefixed hex digest with
// the HMAC of body in constant time.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	var newHash func() hash.Hash
	var hexSig string
	switch {
	case strings.HasPrefix(signature, "sha256="):
		newHash, hexSig = sha256.New, strings.TrimPrefix(signature, "sha256=")
	case strings.HasPrefix(signature, "sha1="):
		newHash, hexSig = sha1.New, strings.TrimPrefix(signature, "sha1=")
	default:
		return errVerification
	}

	actual, err := hex.DecodeString(hexSig)
	if err != nil {
		return errVerification
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(mac.Sum(nil), actual) != 1 {
		return errVerification
	}
	return nil
}

// computeSignature returns the prefixed signature GitHub would send.
func computeSignature(body []byte, secret, algo string) string {
	newHash := sha256.New
	if algo == "sha1" {
		newHash = sha1.New
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return algo + "=" + hex.EncodeToString(mac.Sum(nil))
}
