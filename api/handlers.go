package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/yoga-python/coding-projects-todo/domain"
)

const (
	routeTasks      = "/api/tasks"
	routeToggleTask = "/api/tasks/:id/toggle"
)

// Register wires up all API routes on the provided Echo instance. A nil
// deduper disables idempotent create replay.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	if logger == nil {
		panic("Logger is not initialized")
	}
	e.GET(routeTasks, listTasks(store, auth, logger))
	e.POST(routeTasks, createTask(store, auth, deduper, logger))
	e.POST(routeToggleTask, toggleTask(store, auth, logger))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (string, bool) {
	start := time.Now()
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(start))
	if err != nil {
		metrics.SetErrorStage("auth")
		return err.Error(), false
	}
	return userID, true
}

func listTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, http.MethodGet, routeTasks)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID, ok := authenticate(c, auth, metrics)
		if !ok {
			return c.String(http.StatusUnauthorized, userID)
		}
		if owner := strings.TrimSpace(c.QueryParam("ownerId")); owner != "" && owner != userID {
			metrics.SetErrorStage("owner_mismatch")
			return c.String(http.StatusForbidden, "owner mismatch")
		}

		fetchStart := time.Now()
		tasks, fetchErr := store.ListTasks(ctx, userID)
		metrics.ObserveStore(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			logger.WithError(fetchErr).WithField("user", userID).Error("list tasks failed")
			return c.String(http.StatusInternalServerError, "failed to list tasks")
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		metrics.SetTasksReturned(len(tasks))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func createTask(store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, http.MethodPost, routeTasks)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID, ok := authenticate(c, auth, metrics)
		if !ok {
			return c.String(http.StatusUnauthorized, userID)
		}

		lr := io.LimitReader(c.Request().Body, createTaskMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		var body createTaskRequest
		if decErr := dec.Decode(&body); decErr != nil {
			metrics.SetErrorStage("decode_body")
			return c.String(http.StatusBadRequest, "invalid body")
		}
		title, titleErr := domain.NormalizeTitle(body.Title)
		if titleErr != nil {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "title is required")
		}

		key := strings.TrimSpace(c.Request().Header.Get(headerIdempotencyKey))
		claimed := false
		if deduper != nil && key != "" {
			existing, lookupErr := deduper.Lookup(ctx, userID, key)
			switch {
			case lookupErr != nil:
				logger.WithError(lookupErr).WithField("user", userID).Warn("idempotency lookup failed; creating without replay protection")
				key = ""
			case existing != nil:
				metrics.SetReplayed(true)
				c.Response().Header().Set(headerReplayed, "true")
				return c.JSON(http.StatusCreated, existing)
			default:
				added, claimErr := deduper.Claim(ctx, userID, key)
				if claimErr != nil {
					logger.WithError(claimErr).WithField("user", userID).Warn("idempotency claim failed; creating without replay protection")
					key = ""
				} else if !added {
					metrics.SetErrorStage("in_flight")
					return c.String(http.StatusConflict, "request with this idempotency key is in progress")
				} else {
					claimed = true
				}
			}
		}

		storeStart := time.Now()
		task, createErr := store.CreateTask(ctx, userID, title)
		metrics.ObserveStore(time.Since(storeStart))
		if createErr != nil {
			if claimed {
				if rerr := deduper.Release(ctx, userID, key); rerr != nil {
					logger.WithError(rerr).WithFields(log.Fields{"user": userID, "key": key}).Error("idempotency rollback failed")
				}
			}
			if errors.Is(createErr, domain.ErrEmptyTitle) {
				metrics.SetErrorStage("validate")
				return c.String(http.StatusBadRequest, "title is required")
			}
			metrics.SetErrorStage("storage")
			logger.WithError(createErr).WithField("user", userID).Error("create task failed")
			return c.String(http.StatusInternalServerError, "failed to create task")
		}
		if claimed {
			if rerr := deduper.Remember(ctx, userID, key, task); rerr != nil {
				logger.WithError(rerr).WithFields(log.Fields{"user": userID, "key": key}).Error("failed to remember idempotent create")
			}
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusCreated, task)
		metrics.ObserveEncode(time.Since(encodeStart))
		return err
	}
}

func toggleTask(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, http.MethodPost, routeToggleTask)
		c.SetRequest(c.Request().WithContext(ctx))
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID, ok := authenticate(c, auth, metrics)
		if !ok {
			return c.String(http.StatusUnauthorized, userID)
		}
		taskID := strings.TrimSpace(c.Param("id"))
		if taskID == "" {
			metrics.SetErrorStage("validate")
			return c.String(http.StatusBadRequest, "task id is required")
		}

		storeStart := time.Now()
		task, toggleErr := store.ToggleTask(ctx, userID, taskID)
		metrics.ObserveStore(time.Since(storeStart))
		if toggleErr != nil {
			metrics.SetErrorStage("storage")
			logger.WithError(toggleErr).WithFields(log.Fields{"user": userID, "task": taskID}).Error("toggle task failed")
			return c.String(http.StatusInternalServerError, "failed to toggle task")
		}
		if task == nil {
			metrics.SetErrorStage("not_found")
			return c.String(http.StatusNotFound, "task not found")
		}
		return c.JSON(http.StatusOK, task)
	}
}
