package httpapi_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/botmeter/pkg/httpapi"
	"github.com/dmitrymomot/botmeter/pkg/logger"
)

// syncBuffer guards the log buffer against the recorder goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func withLogBuffer(buf *syncBuffer) func(*envConfig) {
	return func(c *envConfig) {
		log := logger.New(logger.WithOutput(buf), logger.WithContextExtractors(httpapi.RequestIDExtractor()))
		c.opts = append(c.opts, httpapi.WithLogger(log))
	}
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	for _, id := range []string{"", "has space", "slash/id", "semi;colon", strings.Repeat("a", 129)} {
		rec := env.do(t, http.MethodGet, "/healthz", nil, http.Header{httpapi.RequestIDHeader: {id}})
		got := rec.Header().Get(httpapi.RequestIDHeader)
		assert.NotEmpty(t, got)
		assert.NotEqual(t, id, got, "malformed id %q is replaced", id)
	}

	rec := env.do(t, http.MethodGet, "/healthz", nil, http.Header{httpapi.RequestIDHeader: {"stripe_evt-42"}})
	assert.Equal(t, "stripe_evt-42", rec.Header().Get(httpapi.RequestIDHeader))
}

func TestRequestIDExtractor(t *testing.T) {
	t.Parallel()

	_, ok := httpapi.RequestIDExtractor()(context.Background())
	assert.False(t, ok)
	assert.Empty(t, httpapi.RequestIDFromContext(context.Background()))
}

func TestAccessLog(t *testing.T) {
	t.Parallel()

	buf := &syncBuffer{}
	env := newTestEnv(t, withLogBuffer(buf))

	env.do(t, http.MethodGet, "/healthz", nil, nil)
	env.do(t, http.MethodGet, "/nowhere", nil, http.Header{httpapi.RequestIDHeader: {"req-7"}})

	var access []map[string]any
	for _, line := range buf.lines(t) {
		if line["msg"] == "http request" {
			access = append(access, line)
		}
	}
	require.Len(t, access, 1, "health paths are not access-logged")
	assert.Equal(t, "/nowhere", access[0]["path"])
	assert.Equal(t, float64(http.StatusNotFound), access[0]["status"])
	assert.Equal(t, "req-7", access[0]["request_id"])
	assert.Equal(t, slog.LevelInfo.String(), access[0]["level"])
}
