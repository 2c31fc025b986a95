package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

type mockStore struct {
	mu        sync.Mutex
	tasks     []domain.Task
	created   []domain.Task
	toggled   *domain.Task
	err       error
	lastOwner string
	lastTask  string
	creates   int
}

func (m *mockStore) CreateTask(ctx context.Context, ownerID, title string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOwner = ownerID
	m.creates++
	if m.err != nil {
		return domain.Task{}, m.err
	}
	task := domain.Task{ID: "t" + string(rune('0'+m.creates)), Title: title, OwnerID: ownerID, CreatedAt: time.Unix(100, 0).UTC()}
	m.created = append(m.created, task)
	return task, nil
}

func (m *mockStore) ListTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOwner = ownerID
	return m.tasks, m.err
}

func (m *mockStore) ToggleTask(ctx context.Context, ownerID, taskID string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOwner = ownerID
	m.lastTask = taskID
	return m.toggled, m.err
}

type mockAuth struct{ err error }

func (a mockAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user", nil
}

func newRequest(method, target, body string) (*http.Request, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer token")
	return req, httptest.NewRecorder()
}

func TestListTasks(t *testing.T) {
	e := echo.New()
	store := &mockStore{tasks: []domain.Task{{ID: "1", Title: "t", OwnerID: "user"}}}
	req, rec := newRequest(http.MethodGet, "/api/tasks", "")
	c := e.NewContext(req, rec)

	if err := listTasks(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.lastOwner != "user" {
		t.Fatalf("expected owner from token, got %q", store.lastOwner)
	}
	var resp tasksResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].ID != "1" {
		t.Fatalf("unexpected tasks: %#v", resp.Tasks)
	}
}

func TestListTasksEmptyIsArray(t *testing.T) {
	e := echo.New()
	req, rec := newRequest(http.MethodGet, "/api/tasks?ownerId=user", "")
	c := e.NewContext(req, rec)

	if err := listTasks(&mockStore{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"tasks":[]`) {
		t.Fatalf("expected empty array, got %s", rec.Body.String())
	}
}

func TestListTasksOwnerMismatch(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	req, rec := newRequest(http.MethodGet, "/api/tasks?ownerId=someone-else", "")
	c := e.NewContext(req, rec)

	if err := listTasks(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 got %d", rec.Code)
	}
	if store.lastOwner != "" {
		t.Fatalf("store must not be called on owner mismatch")
	}
}

func TestListTasksUnauthorized(t *testing.T) {
	e := echo.New()
	req, rec := newRequest(http.MethodGet, "/api/tasks", "")
	c := e.NewContext(req, rec)

	if err := listTasks(&mockStore{}, mockAuth{err: errors.New("token expired")}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", rec.Code)
	}
	if rec.Body.String() != "token expired" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestListTasksStorageError(t *testing.T) {
	e := echo.New()
	req, rec := newRequest(http.MethodGet, "/api/tasks", "")
	c := e.NewContext(req, rec)

	if err := listTasks(&mockStore{err: errors.New("boom")}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func TestCreateTask(t *testing.T) {
	e := echo.New()
	store := &mockStore{}
	req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"  Buy milk "}`)
	c := e.NewContext(req, rec)

	if err := createTask(store, mockAuth{}, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201 got %d", rec.Code)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if task.Title != "Buy milk" || task.OwnerID != "user" || task.Done {
		t.Fatalf("unexpected task: %#v", task)
	}
}

func TestCreateTaskRejectsBadBodies(t *testing.T) {
	testCases := map[string]string{
		"empty_title":   `{"title":"   "}`,
		"missing_title": `{}`,
		"unknown_field": `{"title":"x","done":true}`,
		"not_json":      `title=x`,
	}
	for name, body := range testCases {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			store := &mockStore{}
			req, rec := newRequest(http.MethodPost, "/api/tasks", body)
			c := e.NewContext(req, rec)

			if err := createTask(store, mockAuth{}, nil, log.New())(c); err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400 got %d", rec.Code)
			}
			if store.creates != 0 {
				t.Fatalf("store must not be called for invalid body")
			}
		})
	}
}

func TestCreateTaskStorageError(t *testing.T) {
	e := echo.New()
	req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"x"}`)
	c := e.NewContext(req, rec)

	if err := createTask(&mockStore{err: errors.New("boom")}, mockAuth{}, nil, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
}

func newTestDeduper(t *testing.T) (*RedisDeduper, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisDeduper(client, time.Minute), mr
}

func TestCreateTaskReplaysIdempotencyKey(t *testing.T) {
	deduper, _ := newTestDeduper(t)
	store := &mockStore{}
	handler := createTask(store, mockAuth{}, deduper, log.New())
	e := echo.New()

	var first domain.Task
	for i := 0; i < 2; i++ {
		req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"Buy milk"}`)
		req.Header.Set(headerIdempotencyKey, "k1")
		if err := handler(e.NewContext(req, rec)); err != nil {
			t.Fatalf("handler returned error: %v", err)
		}
		if rec.Code != http.StatusCreated {
			t.Fatalf("attempt %d: expected status 201 got %d", i, rec.Code)
		}
		var task domain.Task
		if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
			t.Fatalf("invalid json: %v", err)
		}
		if i == 0 {
			first = task
			continue
		}
		if task.ID != first.ID {
			t.Fatalf("replay returned a different task: %q vs %q", task.ID, first.ID)
		}
		if rec.Header().Get(headerReplayed) != "true" {
			t.Fatalf("expected replay header")
		}
	}
	if store.creates != 1 {
		t.Fatalf("expected exactly one create, got %d", store.creates)
	}
}

func TestCreateTaskInFlightKeyConflicts(t *testing.T) {
	deduper, _ := newTestDeduper(t)
	ctx := context.Background()
	if _, err := deduper.Claim(ctx, "user", "k1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	store := &mockStore{}
	req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"Buy milk"}`)
	req.Header.Set(headerIdempotencyKey, "k1")

	if err := createTask(store, mockAuth{}, deduper, log.New())(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected status 409 got %d", rec.Code)
	}
	if store.creates != 0 {
		t.Fatalf("store must not be called while key is in flight")
	}
}

func TestCreateTaskFailureReleasesKey(t *testing.T) {
	deduper, mr := newTestDeduper(t)
	store := &mockStore{err: errors.New("boom")}
	req, rec := newRequest(http.MethodPost, "/api/tasks", `{"title":"Buy milk"}`)
	req.Header.Set(headerIdempotencyKey, "k1")

	if err := createTask(store, mockAuth{}, deduper, log.New())(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500 got %d", rec.Code)
	}
	if mr.Exists(deduper.key("user", "k1")) {
		t.Fatalf("expected key to be released after failure")
	}
}

func TestToggleTask(t *testing.T) {
	e := echo.New()
	store := &mockStore{toggled: &domain.Task{ID: "t1", Done: true, OwnerID: "user"}}
	req, rec := newRequest(http.MethodPost, "/api/tasks/t1/toggle", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("t1")

	if err := toggleTask(store, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", rec.Code)
	}
	if store.lastTask != "t1" || store.lastOwner != "user" {
		t.Fatalf("unexpected store call: owner=%q task=%q", store.lastOwner, store.lastTask)
	}
	var task domain.Task
	if err := sonic.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if !task.Done {
		t.Fatalf("expected toggled task in response")
	}
}

func TestToggleTaskSoftMissIsNotFound(t *testing.T) {
	e := echo.New()
	req, rec := newRequest(http.MethodPost, "/api/tasks/gone/toggle", "")
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("gone")

	if err := toggleTask(&mockStore{}, mockAuth{}, log.New())(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 got %d", rec.Code)
	}
}

func TestRegisterRoutes(t *testing.T) {
	e := echo.New()
	store := &mockStore{toggled: &domain.Task{ID: "t1", Done: true}}
	Register(e, store, mockAuth{}, nil, log.New())

	for _, tc := range []struct {
		method, target, body string
		want                 int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/api/tasks", "", http.StatusOK},
		{http.MethodPost, "/api/tasks", `{"title":"x"}`, http.StatusCreated},
		{http.MethodPost, "/api/tasks/t1/toggle", "", http.StatusOK},
	} {
		req, rec := newRequest(tc.method, tc.target, tc.body)
		e.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s %s: expected %d got %d", tc.method, tc.target, tc.want, rec.Code)
		}
	}
	if store.lastTask != "t1" {
		t.Fatalf("expected path param to reach store, got %q", store.lastTask)
	}
}
