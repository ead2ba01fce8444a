package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/gabrielenos/lancip/internal/auth"
	"github.com/gabrielenos/lancip/internal/storage"
	"github.com/gabrielenos/lancip/internal/types"
	"github.com/gabrielenos/lancip/internal/ws"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memStore struct {
	mu       sync.Mutex
	nextID   types.UserID
	users    map[types.UserID]storage.User
	contacts map[types.UserID]map[types.UserID]string
	pingErr  error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[types.UserID]storage.User),
		contacts: make(map[types.UserID]map[types.UserID]string),
	}
}

func (m *memStore) CreateUser(_ context.Context, email, name, hash string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range m.users {
		if u.Email == email {
			return storage.User{}, storage.ErrDuplicateEmail
		}
	}
	m.nextID++
	u := storage.User{ID: m.nextID, Email: email, Name: name, PasswordHash: hash, CreatedAt: time.Now()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) UserByEmail(_ context.Context, email string) (storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return storage.User{}, storage.ErrNotFound
}

func (m *memStore) SearchUsers(_ context.Context, q string) ([]storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.User
	for _, u := range m.users {
		if strings.Contains(strings.ToLower(u.Name), strings.ToLower(q)) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) AddContact(_ context.Context, owner, contactID types.UserID, alias string) (storage.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if owner == contactID {
		return storage.Contact{}, storage.ErrSelfContact
	}
	u, ok := m.users[contactID]
	if !ok {
		return storage.Contact{}, storage.ErrNotFound
	}
	if m.contacts[owner] == nil {
		m.contacts[owner] = make(map[types.UserID]string)
	}
	m.contacts[owner][contactID] = alias
	return storage.Contact{User: u, Alias: alias, AddedAt: time.Now()}, nil
}

func (m *memStore) ListContacts(_ context.Context, owner types.UserID) ([]storage.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Contact
	for id, alias := range m.contacts[owner] {
		out = append(out, storage.Contact{User: m.users[id], Alias: alias})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

func (m *memStore) RemoveContact(_ context.Context, owner, contactID types.UserID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contacts[owner][contactID]; !ok {
		return storage.ErrNotFound
	}
	delete(m.contacts[owner], contactID)
	return nil
}

func (m *memStore) Ping(context.Context) error { return m.pingErr }

type memSessions struct {
	mu   sync.Mutex
	live map[string]bool
}

func (s *memSessions) Save(_ context.Context, id types.UserID, hash string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[id.String()+hash] = true
	return nil
}

func (s *memSessions) Active(_ context.Context, id types.UserID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id.String()+hash], nil
}

func (s *memSessions) Revoke(_ context.Context, id types.UserID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, id.String()+hash)
	return nil
}

type fixedStats struct {
	users []types.UserID
	conns int
}

func (f fixedStats) Users() []types.UserID { return f.users }
func (f fixedStats) Len() int              { return f.conns }

type testAPI struct {
	router *gin.Engine
	store  *memStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	issuer, err := auth.NewIssuer(auth.Options{Secret: []byte("api-test"), TTL: time.Hour})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	logger := zerolog.New(io.Discard)
	store := newMemStore()
	router := NewRouter(Deps{
		Store:    store,
		Sessions: auth.NewService(issuer, &memSessions{live: make(map[string]bool)}, logger),
		Relay:    fixedStats{users: []types.UserID{1, 2}, conns: 3},
		Mode:     types.ModeAddressed,
		Origins:  ws.NewOriginPolicy([]string{"http://localhost:3000"}),
		Logger:   logger,
	})
	return &testAPI{router: router, store: store}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (a *testAPI) register(t *testing.T, name, email string) authResponse {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/auth/register", "", gin.H{"name": name, "email": email, "password": "secret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("register %s: %d %s", email, rec.Code, rec.Body.String())
	}
	return decode[authResponse](t, rec)
}

func TestRegisterAndLogin(t *testing.T) {
	a := newTestAPI(t)
	reg := a.register(t, "Ana", "ana@example.com")
	if !reg.OK || reg.User.ID == 0 || reg.AccessToken == "" {
		t.Fatalf("unexpected register response: %+v", reg)
	}

	rec := a.do(t, http.MethodPost, "/auth/register", "", gin.H{"name": "Ana2", "email": "ANA@example.com", "password": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("duplicate email: expected 400, got %d", rec.Code)
	}

	rec = a.do(t, http.MethodPost, "/auth/login", "", gin.H{"email": "ana@example.com", "password": "secret-pass"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	login := decode[authResponse](t, rec)
	if login.User.ID != reg.User.ID || login.AccessToken == "" {
		t.Fatalf("unexpected login response: %+v", login)
	}

	for _, body := range []gin.H{
		{"email": "ana@example.com", "password": "wrong"},
		{"email": "nobody@example.com", "password": "secret-pass"},
	} {
		if rec := a.do(t, http.MethodPost, "/auth/login", "", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%v: expected 401, got %d", body, rec.Code)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	a := newTestAPI(t)
	cases := map[string]gin.H{
		"missing name":  {"email": "a@b.co", "password": "pw"},
		"bad email":     {"name": "A", "email": "not-an-email", "password": "pw"},
		"long password": {"name": "A", "email": "a@b.co", "password": strings.Repeat("x", auth.MaxPasswordBytes+1)},
		"blank name":    {"name": "   ", "email": "a@b.co", "password": "pw"},
	}
	for name, body := range cases {
		if rec := a.do(t, http.MethodPost, "/auth/register", "", body); rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("%s: expected 422, got %d %s", name, rec.Code, rec.Body.String())
		}
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	a := newTestAPI(t)
	reg := a.register(t, "Ana", "ana@example.com")

	if rec := a.do(t, http.MethodGet, "/contacts", reg.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("token should be live: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/auth/logout", reg.AccessToken, nil); rec.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodGet, "/contacts", reg.AccessToken, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked token: expected 401, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/auth/logout", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous logout: expected 401, got %d", rec.Code)
	}
}

func TestSearchUsers(t *testing.T) {
	a := newTestAPI(t)
	a.register(t, "Budi Santoso", "budi@example.com")
	a.register(t, "Ana", "ana@example.com")

	rec := a.do(t, http.MethodGet, "/auth/users/search?q=BUDI", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("search: %d", rec.Code)
	}
	users := decode[[]PublicUser](t, rec)
	if len(users) != 1 || users[0].Name != "Budi Santoso" {
		t.Fatalf("unexpected results: %+v", users)
	}
	if strings.Contains(rec.Body.String(), "password") {
		t.Fatalf("search must not leak password hashes: %s", rec.Body.String())
	}

	rec = a.do(t, http.MethodGet, "/auth/users/search?q=zzz", "", nil)
	if rec.Body.String() != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
	if rec := a.do(t, http.MethodGet, "/auth/users/search", "", nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("missing q: expected 422, got %d", rec.Code)
	}
}

func TestContacts(t *testing.T) {
	a := newTestAPI(t)
	ana := a.register(t, "Ana", "ana@example.com")
	budi := a.register(t, "Budi", "budi@example.com")

	if rec := a.do(t, http.MethodGet, "/contacts", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: expected 401, got %d", rec.Code)
	}

	rec := a.do(t, http.MethodPost, "/contacts", ana.AccessToken, gin.H{"contactId": budi.User.ID, "alias": "bud"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: %d %s", rec.Code, rec.Body.String())
	}
	if rec := a.do(t, http.MethodPost, "/contacts", ana.AccessToken, gin.H{"contactId": ana.User.ID}); rec.Code != http.StatusBadRequest {
		t.Fatalf("self contact: expected 400, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPost, "/contacts", ana.AccessToken, gin.H{"contactId": 999}); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", rec.Code)
	}

	list := decode[[]contactView](t, a.do(t, http.MethodGet, "/contacts", ana.AccessToken, nil))
	if len(list) != 1 || list[0].ID != budi.User.ID || list[0].Alias != "bud" {
		t.Fatalf("unexpected contacts: %+v", list)
	}
	if others := decode[[]contactView](t, a.do(t, http.MethodGet, "/contacts", budi.AccessToken, nil)); len(others) != 0 {
		t.Fatalf("contacts are per owner, got %+v", others)
	}

	path := "/contacts/" + budi.User.ID.String()
	if rec := a.do(t, http.MethodDelete, path, ana.AccessToken, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("remove: %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, path, ana.AccessToken, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second remove: expected 404, got %d", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/contacts/abc", ana.AccessToken, nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("bad id: expected 422, got %d", rec.Code)
	}
}

func TestServiceEndpoints(t *testing.T) {
	a := newTestAPI(t)

	if rec := a.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}

	rec := a.do(t, http.MethodGet, "/db-test", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != `{"db":"ok","result":{"ok":1}}` {
		t.Fatalf("db-test: %d %s", rec.Code, rec.Body.String())
	}
	a.store.pingErr = errors.New("down")
	if rec := a.do(t, http.MethodGet, "/db-test", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("db-test down: expected 503, got %d", rec.Code)
	}

	stats := decode[map[string]any](t, a.do(t, http.MethodGet, "/stats", "", nil))
	if stats["mode"] != "addressed" || stats["users_online"] != float64(2) || stats["connections"] != float64(3) {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestCORS(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "content-type")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "content-type" {
		t.Fatalf("unexpected allow-headers %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/auth/login", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("foreign preflight: expected 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign simple request should get no CORS headers: %d %v", rec.Code, rec.Header())
	}
}
