// Package gateway talks to the task API on behalf of the client.
package gateway

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

const maxErrorBody = 4 << 10

// Bearer supplies the token sent with every request.
type Bearer interface {
	Token(ctx context.Context) (string, error)
}

// StatusError is an unexpected HTTP status from the task API.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}

// HTTP is the task store gateway backed by the task API.
type HTTP struct {
	BaseURL string
	bearer  Bearer
	client  *http.Client
	logger  *log.Logger
	newKey  func() string
}

// New creates a gateway. A zero timeout leaves requests bounded only by ctx.
func New(baseURL string, bearer Bearer, timeout time.Duration, logger *log.Logger) *HTTP {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &HTTP{
		BaseURL: strings.TrimRight(baseURL, "/"),
		bearer:  bearer,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		newKey:  uuid.NewString,
	}
}

type createRequest struct {
	Title string `json:"title"`
}

type listResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

// Create stores a new task. Each call carries a fresh idempotency key so a
// retry of the same HTTP request by a proxy is not duplicated.
func (g *HTTP) Create(ctx context.Context, ownerID, title string) (domain.Task, error) {
	body, err := sonic.Marshal(createRequest{Title: title})
	if err != nil {
		return domain.Task{}, &domain.PersistenceError{Op: "create", Err: err}
	}
	var task domain.Task
	status, err := g.do(ctx, http.MethodPost, "/api/tasks", body, map[string]string{"Idempotency-Key": g.newKey()}, &task)
	if err != nil {
		return domain.Task{}, &domain.PersistenceError{Op: "create", Err: err}
	}
	if status != http.StatusCreated {
		return domain.Task{}, &domain.PersistenceError{Op: "create", Err: &StatusError{StatusCode: status}}
	}
	if task.OwnerID != ownerID {
		return domain.Task{}, &domain.PersistenceError{Op: "create", Err: fmt.Errorf("task created for owner %q, expected %q", task.OwnerID, ownerID)}
	}
	g.logger.WithFields(log.Fields{"user": ownerID, "task": task.ID}).Debug("task created")
	return task, nil
}

// ListByOwner returns every task of the owner, or an empty slice.
func (g *HTTP) ListByOwner(ctx context.Context, ownerID string) ([]domain.Task, error) {
	var resp listResponse
	path := "/api/tasks?" + url.Values{"ownerId": {ownerID}}.Encode()
	if _, err := g.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, &domain.PersistenceError{Op: "list", Err: err}
	}
	if resp.Tasks == nil {
		resp.Tasks = []domain.Task{}
	}
	return resp.Tasks, nil
}

// ToggleDone flips the task's done flag. It returns nil without an error when
// the task no longer exists.
func (g *HTTP) ToggleDone(ctx context.Context, task domain.Task) (*domain.Task, error) {
	var updated domain.Task
	path := "/api/tasks/" + url.PathEscape(task.ID) + "/toggle"
	_, err := g.do(ctx, http.MethodPost, path, nil, nil, &updated)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		g.logger.WithFields(log.Fields{"user": task.OwnerID, "task": task.ID}).Info("toggle target no longer exists")
		return nil, nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "toggle", Err: err}
	}
	return &updated, nil
}

// do sends a request and decodes a 2xx JSON response into out. Other
// statuses are returned as *StatusError.
func (g *HTTP) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) (int, error) {
	token, err := g.bearer.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("bearer token: %w", err)
	}
	var reader io.Reader
	if body != nil {
		compressed, err := gzipBody(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(compressed)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Content-Encoding", "gzip")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out != nil {
		if err := sonic.ConfigStd.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func gzipBody(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress body: %w", err)
	}
	return buf.Bytes(), nil
}
