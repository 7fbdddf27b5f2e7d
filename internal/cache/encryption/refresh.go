package encryption

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// DefaultRefreshInterval is how often a KMS-backed keyset is reloaded.
const DefaultRefreshInterval = 15 * time.Minute

// reloadTimeout bounds a single background reload.
const reloadTimeout = 30 * time.Second

type aeadLoader func(ctx context.Context) (tink.AEAD, error)

// RefreshableAEAD reloads its keyset periodically so keys can be rotated
// without restarting the process. A failed reload keeps the current keyset.
type RefreshableAEAD struct {
	mu     sync.RWMutex
	aead   tink.AEAD
	loader aeadLoader
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewRefreshableAEAD loads the KMS-protected keyset and starts the refresh
// loop. ctx bounds the initial load only: the loop keeps running after ctx
// is cancelled, until Close is called.
func NewRefreshableAEAD(ctx context.Context, keysetURI, kmsEnvelopeKeyURI string) (*RefreshableAEAD, error) {
	return newRefreshableAEAD(ctx, func(ctx context.Context) (tink.AEAD, error) {
		return NewAEADFromKMS(ctx, keysetURI, kmsEnvelopeKeyURI)
	}, DefaultRefreshInterval)
}

// NewRefreshableAEADFromFile is the file-backed equivalent of
// NewRefreshableAEAD; rewriting the file rotates the key.
func NewRefreshableAEADFromFile(ctx context.Context, path string) (*RefreshableAEAD, error) {
	return newRefreshableAEAD(ctx, func(context.Context) (tink.AEAD, error) {
		return NewAEADFromFile(path)
	}, DefaultRefreshInterval)
}

func newRefreshableAEAD(ctx context.Context, loader aeadLoader, interval time.Duration) (*RefreshableAEAD, error) {
	initial, err := loader(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading initial AEAD: %w", err)
	}

	r := &RefreshableAEAD{
		aead:   initial,
		loader: loader,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go r.loop(context.WithoutCancel(ctx), interval)

	return r, nil
}

func (r *RefreshableAEAD) current() tink.AEAD {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.aead
}

func (r *RefreshableAEAD) Encrypt(plaintext, associatedData []byte) ([]byte, error) {
	return r.current().Encrypt(plaintext, associatedData)
}

func (r *RefreshableAEAD) Decrypt(ciphertext, associatedData []byte) ([]byte, error) {
	return r.current().Decrypt(ciphertext, associatedData)
}

// Close stops the refresh loop and waits for it to exit. It is safe to call
// more than once.
func (r *RefreshableAEAD) Close() error {
	r.once.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *RefreshableAEAD) loop(ctx context.Context, interval time.Duration) {
	defer close(r.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reload(ctx)
		}
	}
}

func (r *RefreshableAEAD) reload(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, reloadTimeout)
	defer cancel()

	next, err := r.loader(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("cache keyset reload failed, keeping current keyset")
		return
	}

	r.mu.Lock()
	r.aead = next
	r.mu.Unlock()

	log.Debug().Msg("cache keyset reloaded")
}
