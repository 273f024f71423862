// Command sdkdemo stands up the stub trustchain server and then drives one
// complete encrypt/share/decrypt round trip between two local users against
// it, the same way a host application would wire this core together: a
// shared resource/group key store, a per-user keystore, and one Protector
// per device.
package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tanker-go/e2ee-core/config"
	"github.com/tanker-go/e2ee-core/dataprotector"
	"github.com/tanker-go/e2ee-core/internal/group"
	"github.com/tanker-go/e2ee-core/internal/keydecryptor"
	"github.com/tanker-go/e2ee-core/internal/keystore"
	"github.com/tanker-go/e2ee-core/internal/keystore/blobstore"
	"github.com/tanker-go/e2ee-core/internal/keystore/vaultstore"
	"github.com/tanker-go/e2ee-core/internal/provisional"
	"github.com/tanker-go/e2ee-core/internal/resourcemanager"
	"github.com/tanker-go/e2ee-core/internal/store/postgres"
	"github.com/tanker-go/e2ee-core/internal/store/rediscache"
	"github.com/tanker-go/e2ee-core/internal/store/sqlite"
	"github.com/tanker-go/e2ee-core/internal/transport"
)

var logger = log.New(os.Stdout, "[sdkdemo] ", log.Ldate|log.Ltime|log.LUTC)

func main() {
	cfg := config.Load()

	logger.Printf("starting Tanker-style e2ee core demo on port %s", cfg.ServerPort)

	sharedStore, err := postgres.New(cfg.PostgresURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer func() {
		if err := sharedStore.Close(); err != nil {
			log.Printf("Warning: failed to close Postgres: %v", err)
		}
	}()

	redisClient := rediscache.NewClient(cfg.RedisURL)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Printf("Warning: failed to close Redis: %v", err)
		}
	}()
	cachedResourceKeys := rediscache.New(redisClient, sharedStore, 10*time.Minute)

	backend := transport.NewBackend()
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           backend.Router(cfg.CORSAllowedOrigins),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("stub trustchain server listening on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	client := transport.NewHTTPClient(cfg.PublicURL)

	alice, err := bootstrapDevice(backend, client, sharedStore, cachedResourceKeys, cfg, "alice")
	if err != nil {
		log.Fatalf("Failed to bootstrap alice's device: %v", err)
	}
	bob, err := bootstrapDevice(backend, client, sharedStore, cachedResourceKeys, cfg, "bob")
	if err != nil {
		log.Fatalf("Failed to bootstrap bob's device: %v", err)
	}

	ctx := context.Background()
	plaintext := []byte("hello bob, this stays secret from the trustchain server")

	encrypted, err := alice.Encrypt(ctx, plaintext, dataprotector.SharingOptions{
		ShareWithUsers: []string{"bob"},
		ShareWithSelf:  true,
	})
	if err != nil {
		log.Fatalf("alice failed to encrypt: %v", err)
	}
	logger.Printf("alice encrypted %d bytes of plaintext into %d bytes of ciphertext", len(plaintext), len(encrypted))

	decrypted, err := bob.Decrypt(ctx, encrypted)
	if err != nil {
		log.Fatalf("bob failed to decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		log.Fatalf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
	logger.Printf("bob decrypted: %q", decrypted)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("received signal %v - shutting down", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP server shutdown error: %v", err)
	}
	logger.Println("stopped gracefully")
}

// device is everything one local user's device needs to drive a Protector:
// its own keystore and blob store, kept around so the demo can print device
// identifiers and so a future extension of this command could save/reload
// across restarts.
type device struct {
	*dataprotector.Protector
	keystore  *keystore.Keystore
	blobStore keystore.BlobStore
	userID    string
}

// openBlobStore picks the keystore.BlobStore implementation named by
// cfg.KeystoreBlobBackend, so a host app can move a device's sealed
// keystore blob off local disk without this core caring which interface
// implementation it got.
func openBlobStore(cfg *config.Config, userID string) (keystore.BlobStore, error) {
	switch cfg.KeystoreBlobBackend {
	case "vault":
		return vaultstore.New(cfg.VaultAddr, cfg.VaultToken, "secret", "keystores/"+userID)
	case "minio":
		return blobstore.New(context.Background(), cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket, userID, false)
	default:
		return sqlite.Open(cfg.SqlitePath + "." + userID)
	}
}

func bootstrapDevice(
	backend *transport.Backend,
	client *transport.HTTPClient,
	sharedStore *postgres.Store,
	resourceKeys *rediscache.CachedStore,
	cfg *config.Config,
	userID string,
) (*device, error) {
	blobStore, err := openBlobStore(cfg, userID)
	if err != nil {
		return nil, err
	}

	trustchainID := uuid.New()
	localUser := uuid.New()
	var userSecret [32]byte
	if _, err := rand.Read(userSecret[:]); err != nil {
		return nil, err
	}

	ks, err := keystore.Bootstrap(trustchainID, localUser, userSecret)
	if err != nil {
		return nil, err
	}
	if err := ks.Save(context.Background(), blobStore); err != nil {
		return nil, err
	}

	currentKey, err := ks.CurrentUserKey()
	if err != nil {
		return nil, err
	}

	// In a real deployment the trustchain server learns a user's public key
	// from a signed device-creation block; this demo seeds it directly.
	backend.SetUserKey(userID, currentKey.Public[:])

	groups := group.NewManager(client, sharedStore, ks)
	provisionals := provisional.NewManager(client, ks, [16]byte(localUser), []byte(cfg.AttachmentSessionSecret), cfg.AttachmentSessionTTL)
	resources := resourcemanager.New(client, resourceKeys, keydecryptor.New(ks, groups, ks))

	protector := dataprotector.New(ks, groups, provisionals, resources, client, client, userID)

	logger.Printf("bootstrapped device for %s (trustchain %s, device %s)", userID, trustchainID, ks.DeviceID())

	return &device{Protector: protector, keystore: ks, blobStore: blobStore, userID: userID}, nil
}
