package cli

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.HandlerFunc) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewHTTPClient(&Config{Server: srv.URL, TenantID: "acme"})
}

func TestDoRequestSendsTenant(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "acme", r.Header.Get(TenantHeader))
		assert.Equal(t, "/tables/orders/preview", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"columns":["id"],"rows":[[1]]}`))
	})

	rsp, err := client.Get(context.Background(), "tables/orders/preview", map[string]string{"limit": "5"})
	require.NoError(t, err)
	assert.Equal(t, "id", gjsonString(rsp, "columns.0"))
}

func TestDoRequestErrors(t *testing.T) {
	t.Run("json error body", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"result":0,"error":"storage quota exceeded","reason":"STORAGE_LIMIT"}`))
		})
		_, err := client.Get(context.Background(), "quota", nil)
		require.Error(t, err)
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusTooManyRequests, httpErr.StatusCode)
		assert.Equal(t, "storage quota exceeded", httpErr.Message)
		assert.Equal(t, "STORAGE_LIMIT", httpErr.Reason)
		assert.Equal(t, "storage quota exceeded (STORAGE_LIMIT)", err.Error())
	})

	t.Run("plain error body", func(t *testing.T) {
		client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		})
		_, err := client.Get(context.Background(), "quota", nil)
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
		assert.Contains(t, httpErr.Message, "bad gateway")
	})
}

func TestUpload(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "orders.csv")
	content := []byte("id,name\n1,a\n2,b\n")
	require.NoError(t, os.WriteFile(file, content, 0o600))

	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/uploads", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "orders", r.FormValue("table"))
		assert.Equal(t, "upsert", r.FormValue("operation"))
		assert.Equal(t, "id,name", r.FormValue("conflict_columns"))

		f, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		assert.Equal(t, "orders.csv", header.Filename)
		got, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(content, got))

		w.Header().Set("Location", "/uploads/0190-abc")
		w.WriteHeader(http.StatusAccepted)
		w.Write([]byte(`{"sessionId":"0190-abc"}`))
	})

	rsp, location, err := client.Upload(context.Background(), file, map[string][]string{
		"table":            {"orders"},
		"operation":        {"upsert"},
		"conflict_columns": {"id,name"},
	})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/0190-abc", location)
	assert.Equal(t, "0190-abc", gjsonString(rsp, "sessionId"))
}

func TestUploadMissingFile(t *testing.T) {
	client := NewHTTPClient(&Config{Server: "http://localhost:1", TenantID: "acme"})
	_, _, err := client.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), nil)
	require.Error(t, err)
}

func TestFollowSession(t *testing.T) {
	calls := 0
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "5s", r.URL.Query().Get("wait"))
		status := `{"sessionId":"s1","status":"processing","progress":60,"rowsProcessed":1000}`
		if calls == 3 {
			status = `{"sessionId":"s1","status":"completed","progress":100,"rowsProcessed":2500}`
		}
		w.Write([]byte(status))
	})

	st, err := followSession(context.Background(), client, "s1", 5*time.Second, false)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "completed", st.Status)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, int64(2500), st.RowsProcessed)
	assert.True(t, st.Terminal())
}

func TestParseIDs(t *testing.T) {
	assert.Equal(t, []any{int64(4), "A-17", int64(-2)}, parseIDs([]string{"4", " A-17", "-2"}))
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, []string{"name", "rows"}, [][]string{{"orders", "2500"}, {"t", "1"}})
	assert.Equal(t, "NAME    ROWS\norders  2500\nt       1\n", buf.String())
}

func TestDeleteRowsBody(t *testing.T) {
	body, err := deleteRowsBody("order_ref", parseIDs([]string{"7", "A-17"}), "orders")
	require.NoError(t, err)
	assert.JSONEq(t, `{"column":"order_ref","ids":[7,"A-17"],"confirm":"orders"}`, string(body))
}
