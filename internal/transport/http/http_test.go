package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailext/ingestion/internal/hostkv"
	"github.com/mailext/ingestion/internal/imapconn"
	"github.com/mailext/ingestion/internal/ingestion"
	"github.com/mailext/ingestion/internal/logging"
	"github.com/mailext/ingestion/internal/models"
	"github.com/mailext/ingestion/internal/oauth2engine"
	"github.com/mailext/ingestion/internal/provider"
	"github.com/mailext/ingestion/internal/supervisor"
)

const testJWTSecret = "test-signing-key"

type fakeScheduler struct{}

func (fakeScheduler) ScheduleEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) func() {
	return func() {}
}

func newTestHandler(t *testing.T) (*Handler, *gin.Engine, hostkv.Storage, hostkv.SecretVault) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	storage := hostkv.NewMemStorage()
	vault := hostkv.NewMemVault()
	resolver := provider.NewResolver(nil)
	oauth := oauth2engine.New(nil)

	sup := supervisor.New(supervisor.Dependencies{
		Storage:   storage,
		Vault:     vault,
		Scheduler: fakeScheduler{},
		Chat:      hostkv.NewWebhookChatSink(""),
		Resolver:  resolver,
		Log:       logging.NewNop(),
	})
	accounts := ingestion.NewAccountStore(storage, vault)
	settings := ingestion.NewSettingsStore(storage)

	h := NewHandler(sup, accounts, settings, oauth, testJWTSecret, logging.NewNop())
	router := gin.New()
	h.RegisterRoutes(router)
	return h, router, storage, vault
}

func signedToken(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub})
	s, err := tok.SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return s
}

func TestHealthEndpointIsUnauthenticated(t *testing.T) {
	t.Parallel()
	_, router, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingBearerToken(t *testing.T) {
	t.Parallel()
	_, router, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mail/settings", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteRejectsInvalidToken(t *testing.T) {
	t.Parallel()
	_, router, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mail/settings", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSettingsGetAndUpdateRoundTrip(t *testing.T) {
	t.Parallel()
	_, router, _, _ := newTestHandler(t)
	token := signedToken(t, "user-1")

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/mail/settings", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	require.Equal(t, http.StatusOK, getRec.Code)

	body, _ := json.Marshal(map[string]string{"instruction": "be concise"})
	putReq := httptest.NewRequest(http.MethodPut, "/api/v1/mail/settings", bytes.NewReader(body))
	putReq.Header.Set("Authorization", "Bearer "+token)
	putReq.Header.Set("Content-Type", "application/json")
	putRec := httptest.NewRecorder()
	router.ServeHTTP(putRec, putReq)
	assert.Equal(t, http.StatusNoContent, putRec.Code)

	getReq2 := httptest.NewRequest(http.MethodGet, "/api/v1/mail/settings", nil)
	getReq2.Header.Set("Authorization", "Bearer "+token)
	getRec2 := httptest.NewRecorder()
	router.ServeHTTP(getRec2, getReq2)
	require.Equal(t, http.StatusOK, getRec2.Code)

	var settings struct {
		Instruction string `json:"instruction"`
	}
	require.NoError(t, json.Unmarshal(getRec2.Body.Bytes(), &settings))
	assert.Equal(t, "be concise", settings.Instruction)
}

func TestHandleListRecentAndGet(t *testing.T) {
	t.Parallel()
	h, router, storage, vault := newTestHandler(t)
	token := signedToken(t, "user-1")

	recent := h.supervisor.Recent()
	require.NoError(t, recent.Record(context.Background(), "acct-1", imapconn.Message{UID: 5, MessageID: "m1", Subject: "hi"}))

	store := ingestion.NewAccountStore(storage, vault)
	account := models.Account{ID: "acct-1", UserID: "user-1", Email: "me@example.com", Provider: models.ProviderIMAP, IMAPHost: "imap.example.com"}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "me", Password: "pw"}}
	require.NoError(t, store.Create(context.Background(), account, creds))

	listReq := httptest.NewRequest(http.MethodGet, "/api/v1/mail/recent", nil)
	listReq.Header.Set("Authorization", "Bearer "+token)
	listRec := httptest.NewRecorder()
	router.ServeHTTP(listRec, listReq)
	assert.Equal(t, http.StatusOK, listRec.Code)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/mail/messages/acct-1/5", nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	assert.Equal(t, http.StatusOK, getRec.Code)

	getMissingReq := httptest.NewRequest(http.MethodGet, "/api/v1/mail/messages/acct-1/999", nil)
	getMissingReq.Header.Set("Authorization", "Bearer "+token)
	getMissingRec := httptest.NewRecorder()
	router.ServeHTTP(getMissingRec, getMissingReq)
	assert.Equal(t, http.StatusNotFound, getMissingRec.Code)
}

func TestHandleGetRejectsAccountOwnedByAnotherUser(t *testing.T) {
	t.Parallel()
	h, router, storage, vault := newTestHandler(t)
	token := signedToken(t, "user-1")

	require.NoError(t, h.supervisor.Recent().Record(context.Background(), "acct-2", imapconn.Message{UID: 1, MessageID: "m1"}))

	store := ingestion.NewAccountStore(storage, vault)
	account := models.Account{ID: "acct-2", UserID: "someone-else", Email: "x@y.com", Provider: models.ProviderIMAP, IMAPHost: "h"}
	creds := models.Credentials{Kind: models.AuthPassword, Password: &models.PasswordCredentials{Username: "x", Password: "pw"}}
	require.NoError(t, store.Create(context.Background(), account, creds))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mail/messages/acct-2/1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleOAuthInitiateAndPoll(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code": "dc1", "user_code": "ABCD", "verification_uri": "https://example.com", "interval": 1,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gin.SetMode(gin.TestMode)
	storage := hostkv.NewMemStorage()
	vault := hostkv.NewMemVault()
	resolver := provider.NewResolver(nil)
	oauth := oauth2engine.New(map[models.Provider]oauth2engine.EndpointConfig{
		models.ProviderGmail: {
			ClientID:      "client-1",
			DeviceAuthURL: srv.URL + "/device",
			TokenURL:      srv.URL + "/token",
		},
	})

	sup := supervisor.New(supervisor.Dependencies{
		Storage: storage, Vault: vault, Scheduler: fakeScheduler{}, Chat: hostkv.NewWebhookChatSink(""),
		Resolver: resolver, Log: logging.NewNop(),
	})
	accounts := ingestion.NewAccountStore(storage, vault)
	settings := ingestion.NewSettingsStore(storage)
	h := NewHandler(sup, accounts, settings, oauth, testJWTSecret, logging.NewNop())
	router := gin.New()
	h.RegisterRoutes(router)
	token := signedToken(t, "user-1")

	initReq := httptest.NewRequest(http.MethodPost, "/api/v1/mail/oauth/gmail/initiate", nil)
	initReq.Header.Set("Authorization", "Bearer "+token)
	initRec := httptest.NewRecorder()
	router.ServeHTTP(initRec, initReq)
	require.Equal(t, http.StatusOK, initRec.Code)

	body, _ := json.Marshal(map[string]string{"device_code": "dc1"})
	pollReq := httptest.NewRequest(http.MethodPost, "/api/v1/mail/oauth/gmail/poll", bytes.NewReader(body))
	pollReq.Header.Set("Authorization", "Bearer "+token)
	pollReq.Header.Set("Content-Type", "application/json")
	pollRec := httptest.NewRecorder()
	router.ServeHTTP(pollRec, pollReq)
	assert.Equal(t, http.StatusOK, pollRec.Code)
}
