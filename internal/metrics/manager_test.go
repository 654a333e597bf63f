package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EliRibble/stalwart-mail-server/internal/config"
	"github.com/EliRibble/stalwart-mail-server/internal/store"
)

func scrape(t *testing.T, m Manager) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusSuccess, StatusOf(nil))
	assert.Equal(t, StatusNotFound, StatusOf(store.ErrNotFound))
	assert.Equal(t, StatusAssertFailed, StatusOf(store.ErrAssertValueFailed))
	assert.Equal(t, StatusError, StatusOf(store.Internal(errors.New("io"), "read")))
}

func TestManager_RecordsAndExports(t *testing.T) {
	m := NewManager(config.MetricsConfig{Enable: true, Path: "/metrics"}, t.TempDir())
	require.True(t, m.IsEnabled())

	m.RecordStoreOperation("pebble", "get", nil, time.Millisecond)
	m.RecordStoreOperation("pebble", "get", store.ErrNotFound, time.Millisecond)
	m.RecordCacheLookup("rcpt", "hit_positive")
	m.RecordBlobPurge(3, 2, time.Second)
	m.RecordBackgroundTask("blob_purge", time.Second, true)

	body := scrape(t, m)
	assert.Contains(t, body, `stalwart_store_operations_total{operation="get",status="success",store="pebble"} 1`)
	assert.Contains(t, body, `stalwart_store_operations_total{operation="get",status="not_found",store="pebble"} 1`)
	assert.Contains(t, body, `stalwart_lookup_cache_lookups_total{cache="rcpt",outcome="hit_positive"} 1`)
	assert.Contains(t, body, "stalwart_blob_purged_reservations_total 3")
	assert.Contains(t, body, "stalwart_blob_purged_blobs_total 2")
	assert.Contains(t, body, `stalwart_background_tasks_total{status="success",task="blob_purge"} 1`)
	assert.Contains(t, body, "stalwart_runtime_goroutines")
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.MetricsConfig{Enable: false}, "")
	assert.False(t, m.IsEnabled())

	m.RecordStoreOperation("x", "get", nil, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
