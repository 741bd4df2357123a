package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasks-api/domain"
	"tasks-api/subscription"
)

const maxBodyBytes = 1 << 16

// Service exposes the task operations consumed by the HTTP layer.
type Service interface {
	ListAll(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, title string) (domain.Task, error)
	UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
}

// Authenticator resolves the calling user from the Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc Service, hub *subscription.Hub, auth Authenticator, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(svc, auth, logger))
	e.POST("/api/tasks", createTask(svc, auth, logger))
	e.PATCH("/api/tasks/:id", updateTask(svc, auth, logger))
	e.DELETE("/api/tasks/:id", deleteTask(svc, auth, logger))
	e.GET("/api/tasks/stream", streamEvents(hub, auth))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type createTaskRequest struct {
	Title string `json:"title"`
}

type deleteTaskResponse struct {
	Deleted bool `json:"deleted"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func getTasks(svc Service, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}

		fetchStart := time.Now()
		tasks, listErr := svc.ListAll(ctx)
		metrics.ObserveFetch(time.Since(fetchStart))
		if listErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(listErr)
			err = c.String(http.StatusInternalServerError, listErr.Error())
			return err
		}
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
		return err
	}
}

func createTask(svc Service, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks#create")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}

		var req createTaskRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid request body")
			return err
		}

		task, createErr := svc.CreateTask(ctx, req.Title)
		if createErr != nil {
			err = writeServiceError(c, createErr, metrics)
			return err
		}
		err = c.JSON(http.StatusCreated, task)
		return err
	}
}

func updateTask(svc Service, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks#update")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}

		var patch domain.TaskPatch
		if decodeErr := decodeBody(c, &patch); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid request body")
			return err
		}

		task, updateErr := svc.UpdateTask(ctx, c.Param("id"), patch)
		if updateErr != nil {
			err = writeServiceError(c, updateErr, metrics)
			return err
		}
		err = c.JSON(http.StatusOK, task)
		return err
	}
}

func deleteTask(svc Service, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), logger, "/api/tasks#delete")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		if _, ok := authenticate(c, auth, metrics); !ok {
			return nil
		}

		deleted, deleteErr := svc.DeleteTask(ctx, c.Param("id"))
		if deleteErr != nil {
			err = writeServiceError(c, deleteErr, metrics)
			return err
		}
		err = c.JSON(http.StatusOK, deleteTaskResponse{Deleted: deleted})
		return err
	}
}

// streamEvents exposes the notification hub as a server-sent event stream.
// Each committed mutation is written as one SSE data frame.
func streamEvents(hub *subscription.Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		sub := hub.Subscribe()
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, open := <-sub.Events():
				if !open {
					return nil
				}
				data, err := sonic.Marshal(ev)
				if err != nil {
					c.Logger().Error(err)
					continue
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return nil
				}
				if _, err := c.Response().Write(data); err != nil {
					return nil
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return nil
				}
				flusher.Flush()
			}
		}
	}
}

// authenticate resolves the caller, writing the 401 response itself on
// failure.
func authenticate(c echo.Context, auth Authenticator, metrics *requestMetrics) (string, bool) {
	authStart := time.Now()
	userID, err := auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
	metrics.ObserveAuth(time.Since(authStart))
	if err != nil {
		metrics.SetErrorStage("auth")
		_ = c.String(http.StatusUnauthorized, err.Error())
		return "", false
	}
	return userID, true
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, maxBodyBytes)
	dec := sonic.ConfigStd.NewDecoder(lr)
	return dec.Decode(out)
}

func writeServiceError(c echo.Context, err error, metrics *requestMetrics) error {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		metrics.SetErrorStage("invalid_input")
		return c.String(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTaskNotFound):
		metrics.SetErrorStage("not_found")
		return c.String(http.StatusNotFound, err.Error())
	default:
		metrics.SetErrorStage("storage")
		c.Logger().Error(err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
}
