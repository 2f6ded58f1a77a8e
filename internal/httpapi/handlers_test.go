package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callguard/internal/audit"
	"callguard/internal/auth"
	"callguard/internal/calls"
	"callguard/internal/config"
	"callguard/internal/history"
	"callguard/internal/rbac"
	"callguard/internal/users"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCalls struct {
	mu      sync.Mutex
	byID    map[string]calls.Snapshot
	actions []string
}

func newFakeCalls() *fakeCalls { return &fakeCalls{byID: map[string]calls.Snapshot{}} }

func (f *fakeCalls) Start(ctx context.Context, ev calls.CallEvent) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[ev.CallID]; ok {
		return calls.Snapshot{}, calls.ErrDuplicateCall
	}
	s := calls.Snapshot{CallID: ev.CallID, From: ev.From, To: ev.To, AudioURL: ev.AudioURL, State: calls.StateRinging}
	f.byID[ev.CallID] = s
	return s, nil
}

func (f *fakeCalls) act(name, id string, state calls.State) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return calls.Snapshot{}, calls.ErrNotFound
	}
	f.actions = append(f.actions, name+":"+id)
	s.State = state
	f.byID[id] = s
	return s, nil
}

func (f *fakeCalls) Accept(ctx context.Context, id string) (calls.Snapshot, error) {
	return f.act("accept", id, calls.StateStaging)
}

func (f *fakeCalls) Decline(ctx context.Context, id string) (calls.Snapshot, error) {
	return f.act("decline", id, calls.StateDeclined)
}

func (f *fakeCalls) PlaybackEnded(ctx context.Context, id string) (calls.Snapshot, error) {
	return f.act("playback_ended", id, calls.StateDeclined)
}

func (f *fakeCalls) Get(id string) (calls.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return calls.Snapshot{}, calls.ErrNotFound
	}
	return s, nil
}

func (f *fakeCalls) Current(to string) (calls.Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.byID {
		if s.To == to && !s.State.Terminal() {
			return s, true
		}
	}
	return calls.Snapshot{}, false
}

type testAPI struct {
	r       *gin.Engine
	users   *users.Service
	calls   *fakeCalls
	history *history.Service
	audit   *audit.MemoryRepo
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	am, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: 15 * time.Minute, RefreshTokenTTL: time.Hour})
	require.NoError(t, err)

	api := &testAPI{
		users:   users.NewService(users.NewMemoryRepo()).WithHashParams(users.HashParams{Time: 1, Memory: 1024, Threads: 1, KeyLen: 16, SaltLen: 8}),
		calls:   newFakeCalls(),
		history: history.NewService(history.NewMemoryRepo()),
		audit:   audit.NewMemoryRepo(),
	}
	h := Handlers{Auth: am, Users: api.users, Calls: api.calls, History: api.history, Audit: audit.NewService(api.audit, nil)}

	r := gin.New()
	r.POST("/v1/auth/register", h.Register)
	r.POST("/v1/auth/login", h.Login)
	r.POST("/v1/auth/refresh", h.Refresh)

	v1 := r.Group("/v1", auth.RequireAccessToken(am))
	v1.GET("/me", h.Me)
	v1.POST("/calls/incoming", rbac.RequireAnyRole(rbac.RoleOperator), h.IncomingCall)
	v1.GET("/calls/:call_id", h.GetCall)
	v1.POST("/calls/:call_id/accept", h.AcceptCall)
	v1.POST("/calls/:call_id/decline", h.DeclineCall)
	v1.POST("/calls/:call_id/playback-ended", h.CallPlaybackEnded)
	v1.GET("/history", h.ListHistory)
	v1.GET("/history/insights", h.Insights)

	api.r = r
	return api
}

func (a *testAPI) do(method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)
	return w
}

func (a *testAPI) auditTypes() []audit.EventType {
	var out []audit.EventType
	for _, e := range a.audit.Events() {
		out = append(out, e.Type)
	}
	return out
}

type tokenResponse struct {
	User   users.User     `json:"user"`
	Tokens auth.TokenPair `json:"tokens"`
}

func (a *testAPI) register(t *testing.T, username string) tokenResponse {
	t.Helper()
	w := a.do(http.MethodPost, "/v1/auth/register", "", gin.H{"username": username, "password": "correct horse"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (a *testAPI) operator(t *testing.T) string {
	t.Helper()
	_, err := a.users.CreateWithRole(context.Background(), "ops", "operator pass", rbac.RoleOperator)
	require.NoError(t, err)
	w := a.do(http.MethodPost, "/v1/auth/login", "", gin.H{"username": "ops", "password": "operator pass"})
	require.Equal(t, http.StatusOK, w.Code)
	var out tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out.Tokens.AccessToken
}

func TestAuthFlow(t *testing.T) {
	a := newTestAPI(t)

	reg := a.register(t, "Bob")
	assert.Equal(t, "bob", reg.User.Username)
	assert.Equal(t, rbac.RoleSubscriber, reg.User.Role)
	assert.NotEmpty(t, reg.Tokens.AccessToken)

	w := a.do(http.MethodPost, "/v1/auth/register", "", gin.H{"username": "bob", "password": "correct horse"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/v1/auth/register", "", gin.H{"username": "bob2", "password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodPost, "/v1/auth/login", "", gin.H{"username": "bob", "password": "wrong horse"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(http.MethodPost, "/v1/auth/login", "", gin.H{"username": "bob", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "argon2id", "password hash must never be serialized")

	w = a.do(http.MethodGet, "/v1/me", reg.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"bob"`)

	w = a.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": reg.Tokens.RefreshToken})
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(http.MethodPost, "/v1/auth/refresh", "", gin.H{"refresh_token": reg.Tokens.AccessToken})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Equal(t, []audit.EventType{audit.EventTypeUserCreated, audit.EventTypeLoginFailed}, a.auditTypes())
	failed := a.audit.Events()[1]
	assert.Equal(t, "bob", failed.Subject)
	assert.Empty(t, failed.ActorUserID)
}

func TestIncomingCallRequiresOperator(t *testing.T) {
	a := newTestAPI(t)
	bob := a.register(t, "bob")
	body := gin.H{"call_id": "c1", "from": "Alice", "to": "Bob", "audio_url": "http://x/call.mp3"}

	w := a.do(http.MethodPost, "/v1/calls/incoming", bob.Tokens.AccessToken, body)
	assert.Equal(t, http.StatusForbidden, w.Code)

	op := a.operator(t)
	w = a.do(http.MethodPost, "/v1/calls/incoming", op, body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"to":"bob"`)

	evs := a.audit.Events()
	injected := evs[len(evs)-1]
	assert.Equal(t, audit.EventTypeCallInjected, injected.Type)
	assert.Equal(t, "c1", injected.CallID)
	assert.Equal(t, "bob", injected.Subject)
	assert.Equal(t, rbac.RoleOperator, injected.ActorRole)

	w = a.do(http.MethodPost, "/v1/calls/incoming", op, body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/v1/calls/incoming", op, gin.H{"from": "Alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallActionsAreOwnerScoped(t *testing.T) {
	a := newTestAPI(t)
	bob := a.register(t, "bob")
	carol := a.register(t, "carol")
	_, err := a.calls.Start(context.Background(), calls.CallEvent{CallID: "c1", From: "Alice", To: "bob"})
	require.NoError(t, err)

	w := a.do(http.MethodGet, "/v1/calls/c1", carol.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = a.do(http.MethodPost, "/v1/calls/c1/decline", carol.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, a.calls.actions)

	w = a.do(http.MethodGet, "/v1/calls/c1", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"ringing"`)

	w = a.do(http.MethodGet, "/v1/me", bob.Tokens.AccessToken, nil)
	assert.Contains(t, w.Body.String(), `"current_call"`)

	w = a.do(http.MethodPost, "/v1/calls/c1/accept", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"staging"`)

	w = a.do(http.MethodPost, "/v1/calls/c1/playback-ended", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(http.MethodPost, "/v1/calls/c1/decline", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"accept:c1", "playback_ended:c1", "decline:c1"}, a.calls.actions)

	var actions []string
	for _, e := range a.audit.Events() {
		if e.Type == audit.EventTypeCallAction {
			actions = append(actions, e.Message)
		}
	}
	assert.Equal(t, []string{"accept", "playback_ended", "decline"}, actions)

	w = a.do(http.MethodGet, "/v1/calls/missing", bob.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	a := newTestAPI(t)
	bob := a.register(t, "bob")
	ctx := context.Background()
	for i, p := range []history.Prediction{history.PredictionReal, history.PredictionFake, history.PredictionFake} {
		require.NoError(t, a.history.Append(ctx, history.Record{
			CallID: string(rune('a' + i)), From: "mallory", To: "bob", Prediction: p,
		}))
	}
	require.NoError(t, a.history.Append(ctx, history.Record{CallID: "z", From: "x", To: "carol", Prediction: history.PredictionReal}))

	w := a.do(http.MethodGet, "/v1/history?limit=2", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Records []history.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Len(t, list.Records, 2)
	for _, r := range list.Records {
		assert.Equal(t, "bob", r.To)
	}

	w = a.do(http.MethodGet, "/v1/history?limit=zero", bob.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(http.MethodGet, "/v1/history/insights", bob.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var ins history.Insights
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ins))
	assert.Equal(t, 3, ins.Total)
	assert.Equal(t, 1, ins.Real)
	assert.Equal(t, 2, ins.Fake)

	w = a.do(http.MethodGet, "/v1/history", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
