// Copyright (c) 2025 NSVK

// Package secrets handles the passphrase-protected storage of exchange api
// keys. Keys are kept in the work queue only as JWE blobs so that the queue
// database never contains plaintext credentials.
package secrets

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	jose "gopkg.in/square/go-jose.v2"
)

// ErrBadPassphrase reports that a stored key blob could not be decrypted
// with the supplied passphrase. Callers should re-prompt the user.
var ErrBadPassphrase = errors.New("invalid passphrase")

// defaultPassphrase is used when the user submits an empty passphrase.
const defaultPassphrase = "backpackbot default keyring passphrase"

// Keyring encrypts and decrypts api-key strings with a user passphrase. Key
// derivation (PBES2) is deterministic for a given passphrase and salt, so
// the same passphrase always opens previously written blobs.
type Keyring struct {
	passphrase string
}

func NewKeyring(passphrase string) *Keyring {
	if passphrase == "" {
		passphrase = defaultPassphrase
	}
	return &Keyring{passphrase: passphrase}
}

func (k *Keyring) Encrypt(plaintext string) (string, error) {
	recipient := jose.Recipient{
		Algorithm: jose.PBES2_HS256_A128KW,
		Key:       k.passphrase,
	}
	enc, err := jose.NewEncrypter(jose.A128GCM, recipient, nil)
	if err != nil {
		return "", fmt.Errorf("could not create jose encrypter: %w", err)
	}
	obj, err := enc.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("could not encrypt api key: %w", err)
	}
	return obj.CompactSerialize()
}

func (k *Keyring) Decrypt(blob string) (string, error) {
	obj, err := jose.ParseEncrypted(blob)
	if err != nil {
		return "", fmt.Errorf("could not parse encrypted api key: %w", err)
	}
	data, err := obj.Decrypt(k.passphrase)
	if err != nil {
		return "", fmt.Errorf("could not decrypt api key: %w", ErrBadPassphrase)
	}
	return string(data), nil
}

// Check verifies that the keyring passphrase opens the given blob.
func (k *Keyring) Check(blob string) error {
	_, err := k.Decrypt(blob)
	return err
}

// Credentials hold one account's api key pair. The exchange identifies the
// account by the base64 verifying key and expects requests signed with the
// ed25519 private key derived from Seed.
type Credentials struct {
	PublicKey string
	Seed      []byte
}

// ParseAPIKey splits a "publicKey:base64Seed" string into credentials.
func ParseAPIKey(apiKey string) (*Credentials, error) {
	pub, secret, ok := strings.Cut(apiKey, ":")
	if !ok || pub == "" || secret == "" {
		return nil, fmt.Errorf("api key must be in publicKey:secret format")
	}
	seed, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("could not base64-decode api secret: %w", err)
	}
	return &Credentials{PublicKey: pub, Seed: seed}, nil
}

func (c *Credentials) String() string {
	return c.PublicKey + ":" + base64.StdEncoding.EncodeToString(c.Seed)
}
