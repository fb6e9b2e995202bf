package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sprintboard/internal/logging"
)

func TestTextHandlerSortsAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.Options{Level: slog.LevelInfo})
	logger.With("sprint_id", "s1").WithGroup("task").Info("claimed", "id", "t1")
	logger.Debug("hidden")

	out := buf.String()
	require.Equal(t, 1, strings.Count(out, "\n"))
	require.Contains(t, out, " INFO claimed sprint_id=s1 task.id=t1")
}

func TestContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.Options{Level: slog.LevelInfo, Format: "json"})
	ctx := logging.WithAttributes(context.Background())
	logging.AddAttribute(ctx, "user_id", "alice")
	logger.InfoContext(ctx, "request")

	require.Contains(t, buf.String(), `"user_id":"alice"`)
	require.Nil(t, logging.Attributes(context.Background()))
}

func TestStatusLevel(t *testing.T) {
	require.Equal(t, slog.LevelInfo, logging.StatusLevel(200))
	require.Equal(t, slog.LevelWarn, logging.StatusLevel(409))
	require.Equal(t, slog.LevelInfo, logging.StatusLevel(499))
	require.Equal(t, slog.LevelError, logging.StatusLevel(503))
}

func TestMiddlewareLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.Options{Level: slog.LevelInfo})
	h := logging.Middleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logging.AddAttribute(r.Context(), "task_id", "t1")
		w.WriteHeader(http.StatusConflict)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v0/tasks/t1/claim", nil))

	out := buf.String()
	require.Contains(t, out, "WARN http request")
	require.Contains(t, out, "status=409")
	require.Contains(t, out, "task_id=t1")
}
