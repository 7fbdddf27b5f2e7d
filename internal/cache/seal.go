package cache

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/tink"
)

const (
	// sealedFormat tags sealed values; bump it when the layout changes.
	sealedFormat = "nn1."

	// sealedNamespace keeps sealed entries apart from plaintext ones written
	// by a client with encryption disabled.
	sealedNamespace = "sealed:"

	// tokenContext is mixed into the associated data of every sealed token.
	tokenContext = "nuonuo-go/access-token"
)

var (
	ErrNotSealed     = errors.New("cache entry is not sealed")
	ErrSealedFormat  = errors.New("sealed cache entry is malformed")
	ErrSealedBinding = errors.New("sealed cache entry does not belong to this key")
)

// Sealer protects serialized tokens held by a shared store. The cache key
// passed to Seal and Open names the application and taxpayer
// (prefix+appKey+taxNumber), so a sealed token only opens under the key it
// was written for.
type Sealer interface {
	Seal(key string, token []byte) (string, error)
	Open(key, sealed string) ([]byte, error)
	Close() error
}

// AEADSealer seals tokens with a Tink AEAD.
type AEADSealer struct {
	aead tink.AEAD
}

func NewAEADSealer(aead tink.AEAD) *AEADSealer {
	return &AEADSealer{aead: aead}
}

func (s *AEADSealer) Seal(key string, token []byte) (string, error) {
	ciphertext, err := s.aead.Encrypt(token, binding(key))
	if err != nil {
		return "", fmt.Errorf("sealing token for %q: %w", key, err)
	}
	return sealedFormat + base64.RawURLEncoding.EncodeToString(ciphertext), nil
}

func (s *AEADSealer) Open(key, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, sealedFormat)
	if !ok {
		return nil, ErrNotSealed
	}

	ciphertext, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedFormat, err)
	}

	token, err := s.aead.Decrypt(ciphertext, binding(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSealedBinding, err)
	}
	return token, nil
}

// Close stops keyset rotation when the AEAD refreshes itself.
func (s *AEADSealer) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// binding is the associated data for a cache key. The NUL separator keeps
// the fixed context from running into the key.
func binding(key string) []byte {
	return []byte(tokenContext + "\x00" + key)
}
