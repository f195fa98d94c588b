package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	algorithmName  = "AES-256-GCM"
	versionPrefix  = 4
	derivedKeySize = 32
)

// KeyStore persists key version metadata per purpose.
type KeyStore interface {
	Versions(ctx context.Context, purpose string) ([]KeyVersion, error)
	ActiveVersion(ctx context.Context, purpose string) (*KeyVersion, error)
	Put(ctx context.Context, version KeyVersion) error
	TouchRead(ctx context.Context, purpose string, version int) error
}

// Keyring derives per-version keys from a master secret and provides the
// versioned AEAD envelope. Key material is never stored: every version is
// re-derivable from the master secret, so "purging" a version is a metadata
// operation that makes its ciphertext permanently unreadable.
type Keyring struct {
	master []byte
	keys   KeyStore
}

func NewKeyring(masterSecret string, keys KeyStore) (*Keyring, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("crypto: master secret is required")
	}
	return &Keyring{master: []byte(masterSecret), keys: keys}, nil
}

// derive computes the AES key for (purpose, version) via HKDF-SHA256.
func (k *Keyring) derive(purpose string, version int) ([]byte, error) {
	info := fmt.Sprintf("regionsync:%s:v%d", purpose, version)
	reader := hkdf.New(sha256.New, k.master, []byte(purpose), []byte(info))
	key := make([]byte, derivedKeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Checksum identifies a derived key without exposing material.
func (k *Keyring) Checksum(purpose string, version int) (string, error) {
	key, err := k.derive(purpose, version)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8]), nil
}

// Encrypt seals plaintext under the given key version. The version rides in
// cleartext ahead of the nonce so decryption can select the right key. The
// active version is passed in explicitly by the caller; there is no
// process-global current key.
func (k *Keyring) Encrypt(purpose string, version int, plaintext []byte) ([]byte, error) {
	aead, err := k.aead(purpose, version)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, versionPrefix, versionPrefix+len(nonce)+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out, uint32(version))
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, out[:versionPrefix]), nil
}

// Decrypt opens ciphertext produced by any version whose key has not been
// purged. Old and new versions are simultaneously valid throughout a
// rotation. Each successful read touches the version's last-read marker,
// which gates purge eligibility.
func (k *Keyring) Decrypt(ctx context.Context, purpose string, ciphertext []byte) ([]byte, int, error) {
	if len(ciphertext) < versionPrefix {
		return nil, 0, ErrCiphertext
	}
	version := int(binary.BigEndian.Uint32(ciphertext))

	if err := k.checkReadable(ctx, purpose, version); err != nil {
		return nil, version, err
	}

	aead, err := k.aead(purpose, version)
	if err != nil {
		return nil, version, err
	}
	body := ciphertext[versionPrefix:]
	if len(body) < aead.NonceSize() {
		return nil, version, ErrCiphertext
	}
	nonce, sealed := body[:aead.NonceSize()], body[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, ciphertext[:versionPrefix])
	if err != nil {
		return nil, version, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	if err := k.keys.TouchRead(ctx, purpose, version); err != nil {
		return nil, version, fmt.Errorf("touch key read marker: %w", err)
	}
	return plaintext, version, nil
}

// Version reports which key version produced the ciphertext.
func Version(ciphertext []byte) (int, error) {
	if len(ciphertext) < versionPrefix {
		return 0, ErrCiphertext
	}
	return int(binary.BigEndian.Uint32(ciphertext)), nil
}

func (k *Keyring) checkReadable(ctx context.Context, purpose string, version int) error {
	versions, err := k.keys.Versions(ctx, purpose)
	if err != nil {
		return fmt.Errorf("load key versions: %w", err)
	}
	for _, v := range versions {
		if v.Version != version {
			continue
		}
		if v.Status == KeyPurged {
			return fmt.Errorf("%w: %s v%d", ErrKeyPurged, purpose, version)
		}
		return nil
	}
	return fmt.Errorf("crypto: unknown key version %s v%d", purpose, version)
}

func (k *Keyring) aead(purpose string, version int) (cipher.AEAD, error) {
	key, err := k.derive(purpose, version)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
