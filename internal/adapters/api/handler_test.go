package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvasirlabs/beacon/internal/adapters/api"
	"github.com/kvasirlabs/beacon/internal/domain/alerts"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
	"github.com/kvasirlabs/beacon/pkg/auth"
)

const testFeedSecret = "feed-secret"

// memoryUsers is an in-memory geo.UserRepository for handler tests.
type memoryUsers struct {
	users map[uuid.UUID]geo.UserRecord
	pins  map[uuid.UUID]string
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{
		users: make(map[uuid.UUID]geo.UserRecord),
		pins:  make(map[uuid.UUID]string),
	}
}

func (m *memoryUsers) CreateUser(_ context.Context, rec *geo.UserRecord, pinHash string) error {
	m.users[rec.ID] = *rec
	m.pins[rec.ID] = pinHash
	return nil
}

func (m *memoryUsers) GetUserByID(_ context.Context, id uuid.UUID) (*geo.UserRecord, error) {
	rec, ok := m.users[id]
	if !ok {
		return nil, geo.ErrUnknownUser
	}
	return &rec, nil
}

func (m *memoryUsers) GetPinHash(_ context.Context, id uuid.UUID) (string, error) {
	hash, ok := m.pins[id]
	if !ok {
		return "", geo.ErrUnknownUser
	}
	return hash, nil
}

func (m *memoryUsers) UpdateLocation(_ context.Context, id uuid.UUID, p geo.Point) error {
	rec, ok := m.users[id]
	if !ok {
		return nil
	}
	rec.LastKnown = &p
	m.users[id] = rec
	return nil
}

func (m *memoryUsers) DeactivateUser(_ context.Context, id uuid.UUID) error {
	rec := m.users[id]
	rec.IsActive = false
	m.users[id] = rec
	return nil
}

func (m *memoryUsers) ListActiveUsers(_ context.Context) ([]geo.UserRecord, error) {
	var out []geo.UserRecord
	for _, rec := range m.users {
		if rec.IsActive {
			out = append(out, rec)
		}
	}
	return out, nil
}

type apiFixture struct {
	router    *gin.Engine
	users     *memoryUsers
	index     *geo.Index
	confirmed []sos.Event
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	})
	pubBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	signer, err := auth.NewSigner(privPEM, pubPEM, "beacon-test", 0)
	require.NoError(t, err)

	f := &apiFixture{
		users: newMemoryUsers(),
		index: geo.NewIndex(),
	}

	clock := sos.SystemClock{}
	// An hour per tick keeps countdowns from advancing during the test.
	registry := sos.NewRegistry(func(userID uuid.UUID) *sos.Machine {
		return sos.NewMachine(
			userID,
			sos.Config{Ticks: 3, Interval: time.Hour},
			clock,
			sos.SystemTimer{},
			sos.IndexLocationSource{Index: f.index, UserID: userID, Clock: clock},
			func(ev sos.Event) { f.confirmed = append(f.confirmed, ev) },
			nil,
		)
	})

	alertsSvc := alerts.NewService(f.index, clock, nil, 0, 0, nil)

	handler := api.NewHandler(f.users, f.index, registry, alertsSvc, signer, nil, clock, nil)
	f.router = api.NewRouter(handler, signer, testFeedSecret, nil)
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) register(t *testing.T) (uuid.UUID, string) {
	t.Helper()
	w := f.do(t, http.MethodPost, "/v1/register", "", gin.H{
		"phone":             "+34600111222",
		"emergency_contact": "+34600999888",
		"pin":               "4821",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	id, err := uuid.Parse(resp.UserID)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	return id, resp.Token
}

func TestHandler_Health(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RegisterIssuesWorkingToken(t *testing.T) {
	f := newAPIFixture(t)
	id, token := f.register(t)

	// The identity is persisted and indexed
	_, ok := f.index.Get(id)
	assert.True(t, ok)
	assert.NotEmpty(t, f.users.pins[id])

	// The token opens the device surface
	w := f.do(t, http.MethodGet, "/v1/sos", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(sos.StateIdle))
}

func TestHandler_RegisterValidation(t *testing.T) {
	f := newAPIFixture(t)

	w := f.do(t, http.MethodPost, "/v1/register", "", gin.H{"phone": "+1"})
	assert.Equal(t, http.StatusBadRequest, w.Code) // missing pin

	w = f.do(t, http.MethodPost, "/v1/register", "", gin.H{"phone": "+1", "pin": "12"})
	assert.Equal(t, http.StatusBadRequest, w.Code) // pin too short
}

func TestHandler_TokenReissueVerifiesPIN(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := f.register(t)

	// The right PIN mints a working token
	w := f.do(t, http.MethodPost, "/v1/token", "", gin.H{
		"user_id": id.String(), "pin": "4821",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)

	w = f.do(t, http.MethodGet, "/v1/sos", resp.Token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_TokenReissueRejectsBadCredentials(t *testing.T) {
	f := newAPIFixture(t)
	id, _ := f.register(t)

	// Wrong PIN
	w := f.do(t, http.MethodPost, "/v1/token", "", gin.H{
		"user_id": id.String(), "pin": "0000",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown user gets the same answer
	w = f.do(t, http.MethodPost, "/v1/token", "", gin.H{
		"user_id": uuid.NewString(), "pin": "4821",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Missing fields are a validation error
	w = f.do(t, http.MethodPost, "/v1/token", "", gin.H{"user_id": id.String()})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_LocationUpdateAndLastWriteWins(t *testing.T) {
	f := newAPIFixture(t)
	id, token := f.register(t)

	now := time.Now().UTC()
	w := f.do(t, http.MethodPost, "/v1/location", token, gin.H{
		"lat": 40.4168, "lng": -3.7038, "accuracy_m": 10, "captured_at": now,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":false`)

	rec, ok := f.index.Get(id)
	require.True(t, ok)
	require.NotNil(t, rec.LastKnown)
	assert.InDelta(t, 40.4168, rec.LastKnown.Lat, 1e-9)

	// An older fix is acknowledged but ignored
	w = f.do(t, http.MethodPost, "/v1/location", token, gin.H{
		"lat": 0, "lng": 0, "captured_at": now.Add(-time.Minute),
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ignored":true`)

	rec, _ = f.index.Get(id)
	assert.InDelta(t, 40.4168, rec.LastKnown.Lat, 1e-9)
}

func TestHandler_LocationRequiresAuth(t *testing.T) {
	f := newAPIFixture(t)
	w := f.do(t, http.MethodPost, "/v1/location", "", gin.H{
		"lat": 1.0, "lng": 1.0, "captured_at": time.Now(),
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandler_SOSTriggerToggles(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t)

	w := f.do(t, http.MethodPost, "/v1/sos/trigger", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(sos.StateArmed))

	// Second tap cancels
	w = f.do(t, http.MethodPost, "/v1/sos/trigger", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(sos.StateIdle))
	assert.Empty(t, f.confirmed)
}

func TestHandler_SOSCancelWithoutCountdown(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t)

	w := f.do(t, http.MethodPost, "/v1/sos/cancel", token, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_AlertWebhookAndRelevance(t *testing.T) {
	f := newAPIFixture(t)
	_, token := f.register(t)

	// Position the device near the alert epicenter
	w := f.do(t, http.MethodPost, "/v1/location", token, gin.H{
		"lat": 40.4168, "lng": -3.7038, "captured_at": time.Now().UTC(),
	})
	require.Equal(t, http.StatusOK, w.Code)

	alert := gin.H{
		"id":       "flood-1",
		"type":     "flood",
		"severity": "high",
		"lat":      40.42,
		"lng":      -3.70,
		"message":  "Heavy rainfall detected. Move to higher ground immediately.",
	}

	// Wrong feed token is rejected
	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", bytes.NewBufferString("{}"))
	req.Header.Set(api.FeedTokenHeader, "wrong")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid webhook is accepted
	body, _ := json.Marshal(alert)
	req = httptest.NewRequest(http.MethodPost, "/v1/alerts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.FeedTokenHeader, testFeedSecret)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The device sees it in its relevant list
	w = f.do(t, http.MethodGet, "/v1/alerts", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "flood-1")
}

func TestHandler_AlertWebhookValidation(t *testing.T) {
	f := newAPIFixture(t)

	body, _ := json.Marshal(gin.H{"id": "x", "severity": "catastrophic", "region": "north"})
	req := httptest.NewRequest(http.MethodPost, "/v1/alerts", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.FeedTokenHeader, testFeedSecret)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
