package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const tokenSealVersion = "v1"

// Seals the upstream access token before it is mirrored into the session
// store, so the raw bearer value never sits in the database. Sealing is
// optional: without a key, tokens pass through unchanged.
var tokenAEAD cipher.AEAD

func initTokenSealing(b64Key string) error {
	if b64Key == "" {
		return nil
	}

	var key []byte
	if b, err := base64.StdEncoding.DecodeString(b64Key); err == nil {
		key = b
	} else if b, err := base64.RawStdEncoding.DecodeString(b64Key); err == nil {
		key = b
	} else if b, err := base64.RawURLEncoding.DecodeString(b64Key); err == nil {
		key = b
	} else {
		return errors.New("SESSION_SEAL_KEY base64 decode failed")
	}
	if len(key) != 32 {
		return fmt.Errorf("SESSION_SEAL_KEY must decode to 32 bytes (got %d)", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes.NewCipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("cipher.NewGCM: %w", err)
	}
	tokenAEAD = aead
	return nil
}

// SealToken encrypts and MACs a token -> "v1.<nonce>.<ct>" (base64url).
func SealToken(plaintext string) (string, error) {
	if tokenAEAD == nil || plaintext == "" {
		return plaintext, nil
	}
	nonce := make([]byte, tokenAEAD.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	ct := tokenAEAD.Seal(nil, nonce, []byte(plaintext), nil)
	enc := base64.RawURLEncoding.EncodeToString
	return tokenSealVersion + "." + enc(nonce) + "." + enc(ct), nil
}

// OpenToken decrypts "v1.<nonce>.<ct>". Values that don't look sealed are
// returned as-is (rows written before sealing was enabled).
func OpenToken(sealed string) (string, error) {
	if sealed == "" || !strings.HasPrefix(sealed, tokenSealVersion+".") {
		return sealed, nil
	}
	if tokenAEAD == nil {
		return "", errors.New("token sealing not initialized")
	}
	parts := strings.SplitN(sealed, ".", 3)
	if len(parts) != 3 {
		return "", errors.New("bad sealed token format")
	}
	dec := base64.RawURLEncoding.DecodeString
	nonce, err := dec(parts[1])
	if err != nil {
		return "", fmt.Errorf("nonce decode: %w", err)
	}
	ct, err := dec(parts[2])
	if err != nil {
		return "", fmt.Errorf("ciphertext decode: %w", err)
	}
	pt, err := tokenAEAD.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open token: %w", err)
	}
	return string(pt), nil
}
