package transport

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tanker-go/e2ee-core/internal/provisional"
)

// Backend is an in-memory stand-in for a trustchain server: it serves
// exactly the endpoints HTTPClient calls, storing everything in maps
// rather than a real database. It exists so cmd/sdkdemo (and any test that
// wants a full HTTP round trip) has something to talk to without standing
// up Postgres/Redis.
type Backend struct {
	mu sync.Mutex

	resourceKeysByID map[string][]keyPublishWire
	groupHistories   map[string][]groupRecordWire
	groupIDByPubKey  map[string]string
	provisionalUsers map[string]publicProvisionalUserWire
	userKeys         map[string][]byte
	claims           []provisional.ClaimRecord
}

// NewBackend constructs an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{
		resourceKeysByID: map[string][]keyPublishWire{},
		groupHistories:   map[string][]groupRecordWire{},
		groupIDByPubKey:  map[string]string{},
		provisionalUsers: map[string]publicProvisionalUserWire{},
		userKeys:         map[string][]byte{},
	}
}

// SetUserKey registers userID's current public encryption key, for tests
// and demos to seed user directory state directly rather than through an
// HTTP call.
func (b *Backend) SetUserKey(userID string, publicKey []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.userKeys[userID] = publicKey
}

// SetProvisionalUser seeds the public half of a provisional identity, as
// if an out-of-band verification service had already resolved it.
func (b *Backend) SetProvisionalUser(u provisional.PublicProvisionalUser) {
	key := u.Target.String() + ":" + u.Value
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisionalUsers[key] = encodeProvisionalUser(u)
}

// Router builds the gorilla/mux router for this backend, wrapped in CORS
// matching the allowed-origin/method/header shape the teacher applies to
// its own API surface.
func (b *Backend) Router(allowedOrigins []string) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	router.HandleFunc("/v1/resources/keys/publish", b.handlePublishResourceKeys).Methods(http.MethodPost)
	router.HandleFunc("/v1/resources/{resourceId}/keys", b.handleFetchResourceKeys).Methods(http.MethodGet)
	router.HandleFunc("/v1/groups", b.handlePostGroupCreation).Methods(http.MethodPost)
	router.HandleFunc("/v1/groups/{groupId}/additions", b.handlePostGroupAddition).Methods(http.MethodPost)
	router.HandleFunc("/v1/groups/histories", b.handleGetGroupHistories).Methods(http.MethodGet)
	router.HandleFunc("/v1/groups/history", b.handleGetGroupHistoryByPublicKey).Methods(http.MethodGet)
	router.HandleFunc("/v1/provisional/identities", b.handleGetProvisionalIdentities).Methods(http.MethodGet)
	router.HandleFunc("/v1/provisional/claims/silent", b.handleSilentClaim).Methods(http.MethodPost)
	router.HandleFunc("/v1/provisional/claims/verify", b.handleVerifyClaim).Methods(http.MethodPost)
	router.HandleFunc("/v1/provisional/claims", b.handlePostProvisionalClaim).Methods(http.MethodPost)
	router.HandleFunc("/v1/users/{userId}/key", b.handleGetUserKey).Methods(http.MethodGet)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})
	return corsHandler.Handler(router)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (b *Backend) handlePublishResourceKeys(w http.ResponseWriter, r *http.Request) {
	var records []keyPublishWire
	if err := json.NewDecoder(r.Body).Decode(&records); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}

	b.mu.Lock()
	for _, record := range records {
		b.resourceKeysByID[record.ResourceID] = append(b.resourceKeysByID[record.ResourceID], record)
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleFetchResourceKeys(w http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["resourceId"]

	b.mu.Lock()
	records := b.resourceKeysByID[resourceID]
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, records)
}

func (b *Backend) handlePostGroupCreation(w http.ResponseWriter, r *http.Request) {
	var wire groupRecordWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}

	groupID := hex.EncodeToString(wire.GroupID)
	pubKey := hex.EncodeToString(wire.PublicEncryptionKey)

	b.mu.Lock()
	b.groupHistories[groupID] = append(b.groupHistories[groupID], wire)
	b.groupIDByPubKey[pubKey] = groupID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handlePostGroupAddition(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["groupId"]

	var wire groupRecordWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}

	pubKey := hex.EncodeToString(wire.NewPublicEncryptionKey)

	b.mu.Lock()
	b.groupHistories[groupID] = append(b.groupHistories[groupID], wire)
	b.groupIDByPubKey[pubKey] = groupID
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleGetGroupHistories(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["id"]

	b.mu.Lock()
	out := make(map[string][]groupRecordWire, len(ids))
	for _, id := range ids {
		if history, ok := b.groupHistories[id]; ok {
			out[id] = history
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleGetGroupHistoryByPublicKey(w http.ResponseWriter, r *http.Request) {
	pubKey := r.URL.Query().Get("publicKey")

	b.mu.Lock()
	groupID, ok := b.groupIDByPubKey[pubKey]
	var history []groupRecordWire
	if ok {
		history = b.groupHistories[groupID]
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (b *Backend) handleGetProvisionalIdentities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	wanted := map[string]bool{}
	for _, e := range q["email"] {
		wanted["email:"+e] = true
	}
	for _, p := range q["phone"] {
		wanted["phone:"+p] = true
	}

	b.mu.Lock()
	out := map[string]publicProvisionalUserWire{}
	for key, user := range b.provisionalUsers {
		if wanted[key] {
			out[key] = user
		}
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleSilentClaim(w http.ResponseWriter, r *http.Request) {
	var req silentClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	// This demo backend never silently grants a claim; every identity
	// requires the out-of-band verification flow.
	writeJSON(w, http.StatusOK, silentClaimResponse{Granted: false})
}

func (b *Backend) handleVerifyClaim(w http.ResponseWriter, r *http.Request) {
	var req verificationClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}
	writeJSON(w, http.StatusOK, tankerKeyPairsWire{})
}

func (b *Backend) handlePostProvisionalClaim(w http.ResponseWriter, r *http.Request) {
	var wire claimRecordWire
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeJSON(w, http.StatusBadRequest, nil)
		return
	}

	b.mu.Lock()
	b.claims = append(b.claims, decodeClaimRecord(wire))
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, nil)
}

func (b *Backend) handleGetUserKey(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	b.mu.Lock()
	key, ok := b.userKeys[userID]
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, nil)
		return
	}
	writeJSON(w, http.StatusOK, userKeyResponse{PublicKey: key})
}
