package accel

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

const gcmTagSize = 16

// softwareCrypto runs the AEAD contract directly via the standard library's
// constant-time AES-GCM, the CPU fallback for the crypto engine. Key size
// selects the AES variant (128/192/256); nonce and aad are bounded per the
// public contract.
func softwareCrypto(op CryptoOp, input, key, nonce, aad []byte) ([]byte, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("accel: crypto input must not be empty")
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("accel: unsupported key size %d", len(key))
	}
	if len(nonce) > 12 {
		return nil, fmt.Errorf("accel: nonce exceeds 12 bytes")
	}
	if len(aad) > 64 {
		return nil, fmt.Errorf("accel: aad exceeds 64 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("accel: failed to construct AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("accel: failed to construct GCM mode: %w", err)
	}

	switch op {
	case CryptoEncrypt:
		return gcm.Seal(nil, nonce, input, aad), nil

	case CryptoDecrypt:
		if len(input) < gcmTagSize {
			return nil, fmt.Errorf("accel: ciphertext shorter than the authentication tag")
		}
		plaintext, err := gcm.Open(nil, nonce, input, aad)
		if err != nil {
			return nil, fmt.Errorf("accel: authentication failed")
		}
		return plaintext, nil

	default:
		return nil, fmt.Errorf("accel: unknown crypto op %d", op)
	}
}
