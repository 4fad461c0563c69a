// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package crypto is the credential vault: symmetric envelope encryption for
// provider credentials, keyed by a process-wide secret. Plaintext credentials
// are never persisted.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const saltLength = 64

// Vault encrypts and decrypts opaque credential strings. Each value gets its
// own random salt, so the derived AES key differs per envelope.
type Vault struct {
	masterKey []byte
}

// NewVault creates a vault from the process-wide encryption key.
func NewVault(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("encryption key is not set")
	}
	return &Vault{masterKey: []byte(masterKey)}, nil
}

func (v *Vault) deriveKey(salt []byte) ([]byte, error) {
	return scrypt.Key(v.masterKey, salt, 1<<15, 8, 1, 32)
}

// Encrypt seals a plaintext into a hex envelope: salt ‖ nonce ‖ ciphertext,
// with the GCM tag appended to the ciphertext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := v.deriveKey(salt)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)

	return hex.EncodeToString(envelope), nil
}

// Decrypt opens a hex envelope produced by Encrypt.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if len(data) < saltLength {
		return "", fmt.Errorf("envelope too short")
	}

	salt := data[:saltLength]
	key, err := v.deriveKey(salt)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	rest := data[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", fmt.Errorf("envelope too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt envelope: %w", err)
	}
	return string(plaintext), nil
}

// EncryptObject seals a JSON-serialisable value.
func (v *Vault) EncryptObject(obj any) (string, error) {
	b, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	return v.Encrypt(string(b))
}

// DecryptObject opens an envelope into the given destination.
func (v *Vault) DecryptObject(encrypted string, dst any) error {
	plaintext, err := v.Decrypt(encrypted)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(plaintext), dst); err != nil {
		return fmt.Errorf("unmarshal credentials: %w", err)
	}
	return nil
}
