// Package resourcemanager locates a resource's content key — serving a
// write-through cache backed by a persistent store, falling back to a
// network fetch and key-publish decryption on a miss — and builds fresh
// resources for encryption.
package resourcemanager

import (
	"context"
	"log"
	"os"
	"sync"

	"github.com/tanker-go/e2ee-core/internal/corerr"
	"github.com/tanker-go/e2ee-core/internal/keypublish"
	"github.com/tanker-go/e2ee-core/internal/primitives"
	"github.com/tanker-go/e2ee-core/internal/resource"
)

var logger = log.New(os.Stdout, "[resourcemanager] ", log.Ldate|log.Ltime|log.LUTC)

// Block is an opaque fetched key-publish record, with the authorship and
// signature envelope already verified and stripped by the caller's
// verification layer — the core only ever sees nature and payload.
type Block struct {
	Nature  keypublish.Nature
	Payload []byte
}

// Client is the network collaborator: fetching key-publish blocks for a
// resource.
type Client interface {
	FetchResourceKeys(ctx context.Context, resourceID resource.ResourceID) ([]Block, error)
}

// Store is the persistent resource-key cache collaborator (ResourceStore
// from spec.md §6).
type Store interface {
	SaveKey(ctx context.Context, resourceID resource.ResourceID, key [primitives.KeySize]byte) error
	FindKey(ctx context.Context, resourceID resource.ResourceID) ([primitives.KeySize]byte, bool, error)
}

// Decryptor unseals a content key out of a parsed key-publish record.
type Decryptor interface {
	Decrypt(ctx context.Context, record keypublish.Record) ([primitives.KeySize]byte, error)
}

// Resource is a freshly minted artifact ready to encrypt: its content key
// (for building key-publish records), its resource id, and — for one-shot
// resources — the already-sealed bytes.
type Resource struct {
	ContentKey     [primitives.KeySize]byte
	ResourceID     resource.ResourceID
	EncryptedBytes []byte // empty for a streaming resource
}

// Manager is the resource manager of spec.md §4.8.
type Manager struct {
	client    Client
	store     Store
	decryptor Decryptor

	mu       sync.Mutex
	inFlight map[resource.ResourceID]chan struct{}
}

// New constructs a resource manager.
func New(client Client, store Store, decryptor Decryptor) *Manager {
	return &Manager{client: client, store: store, decryptor: decryptor, inFlight: map[resource.ResourceID]chan struct{}{}}
}

// FindKey locates resourceID's content key: persistent cache first, then a
// network fetch and key-publish decrypt on a miss, caching the result.
// Concurrent misses for the same resourceID coalesce onto one fetch.
func (m *Manager) FindKey(ctx context.Context, resourceID resource.ResourceID) ([primitives.KeySize]byte, error) {
	if key, ok, err := m.store.FindKey(ctx, resourceID); err != nil {
		return [primitives.KeySize]byte{}, corerr.Wrap(corerr.NetworkError, err, "query resource key store")
	} else if ok {
		return key, nil
	}

	m.mu.Lock()
	if wait, ok := m.inFlight[resourceID]; ok {
		m.mu.Unlock()
		<-wait
		if key, ok, err := m.store.FindKey(ctx, resourceID); err == nil && ok {
			return key, nil
		}
		return [primitives.KeySize]byte{}, corerr.WithResource(corerr.ResourceNotFound, "could not find key for resource", resourceIDHex(resourceID))
	}
	done := make(chan struct{})
	m.inFlight[resourceID] = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inFlight, resourceID)
		m.mu.Unlock()
		close(done)
	}()

	blocks, err := m.client.FetchResourceKeys(ctx, resourceID)
	if err != nil {
		return [primitives.KeySize]byte{}, corerr.Wrap(corerr.NetworkError, err, "fetch resource keys")
	}
	if len(blocks) == 0 {
		return [primitives.KeySize]byte{}, corerr.WithResource(corerr.InvalidArgument, "could not find key for resource", resourceIDHex(resourceID))
	}

	var lastErr error
	for _, block := range blocks {
		record, err := keypublish.ParseKeyPublish(block.Nature, block.Payload)
		if err != nil {
			lastErr = err
			continue
		}
		key, err := m.decryptor.Decrypt(ctx, record)
		if err != nil {
			lastErr = err
			continue
		}
		if err := m.store.SaveKey(ctx, resourceID, key); err != nil {
			return [primitives.KeySize]byte{}, corerr.Wrap(corerr.NetworkError, err, "persist resource key")
		}
		return key, nil
	}
	if lastErr != nil {
		return [primitives.KeySize]byte{}, lastErr
	}
	return [primitives.KeySize]byte{}, corerr.WithResource(corerr.ResourceNotFound, "could not find key for resource", resourceIDHex(resourceID))
}

// SaveKey persists resourceID's content key directly, used when the local
// session already knows the key (it just encrypted the resource itself).
func (m *Manager) SaveKey(ctx context.Context, resourceID resource.ResourceID, key [primitives.KeySize]byte) error {
	if err := m.store.SaveKey(ctx, resourceID, key); err != nil {
		return corerr.Wrap(corerr.NetworkError, err, "persist resource key")
	}
	return nil
}

// MakeSimpleResource draws a fresh content key, one-shot-encrypts clear,
// and saves the key locally.
func (m *Manager) MakeSimpleResource(ctx context.Context, clear []byte) (Resource, error) {
	contentKey, err := primitives.GenerateContentKey()
	if err != nil {
		return Resource{}, corerr.Wrap(corerr.InternalError, err, "generate content key")
	}
	resourceID, err := resource.NewRandomResourceID()
	if err != nil {
		return Resource{}, corerr.Wrap(corerr.InternalError, err, "generate resource id")
	}
	encrypted, err := resource.EncryptSimpleWithID(contentKey, resourceID, clear)
	if err != nil {
		return Resource{}, err
	}
	if err := m.SaveKey(ctx, resourceID, contentKey); err != nil {
		return Resource{}, err
	}
	return Resource{ContentKey: contentKey, ResourceID: resourceID, EncryptedBytes: encrypted}, nil
}

// MakeStreamResource draws a fresh content key and resource id for a
// streaming encryption, saving the key locally; the caller drives the
// actual chunked encryption with these via resource.NewEncryptionStream.
func (m *Manager) MakeStreamResource(ctx context.Context) (Resource, error) {
	contentKey, err := primitives.GenerateContentKey()
	if err != nil {
		return Resource{}, corerr.Wrap(corerr.InternalError, err, "generate content key")
	}
	resourceID, err := resource.NewRandomResourceID()
	if err != nil {
		return Resource{}, corerr.Wrap(corerr.InternalError, err, "generate resource id")
	}
	if err := m.SaveKey(ctx, resourceID, contentKey); err != nil {
		return Resource{}, err
	}
	return Resource{ContentKey: contentKey, ResourceID: resourceID}, nil
}

func resourceIDHex(id resource.ResourceID) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, len(id)*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}
