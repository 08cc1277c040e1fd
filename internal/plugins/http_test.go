package plugins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/pkg/schema"
)

func TestHTTPService_GetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"greeting":"hello"}`))
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPServiceConfig{})
	out, err := svc.Execute(context.Background(), `{"url":"`+srv.URL+`"}`)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, float64(200), result["statusCode"])
	body := result["body"].(map[string]any)
	assert.Equal(t, "hello", body["greeting"])
}

func TestHTTPService_PostBodyAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "abc", r.Header.Get("X-Request-Id"))
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "world", payload["name"])
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPServiceConfig{})
	params := map[string]any{
		"method":  "POST",
		"url":     srv.URL,
		"headers": map[string]any{"X-Request-Id": "abc"},
		"body":    map[string]any{"name": "world"},
	}
	raw, _ := json.Marshal(params)
	out, err := svc.Execute(context.Background(), string(raw))
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, float64(201), result["statusCode"])
}

func TestHTTPService_ImportedConfigSuppliesBaseURLAndAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/things", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPServiceConfig{})
	require.NoError(t, svc.ImportConfig(`{"baseUrl":"`+srv.URL+`","bearerToken":"tok-123"}`))

	out, err := svc.Execute(context.Background(), `{"url":"/v1/things"}`)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ok", result["body"])
}

func TestHTTPService_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	svc := NewHTTPService(HTTPServiceConfig{})
	_, err := svc.Execute(context.Background(), `{"url":"`+srv.URL+`"}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePluginDispatch, schema.CodeOf(err))
}

func TestHTTPService_MissingURL(t *testing.T) {
	svc := NewHTTPService(HTTPServiceConfig{})
	_, err := svc.Execute(context.Background(), `{}`)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePluginDispatch, schema.CodeOf(err))
}

func TestHTTPService_RejectsBadConfig(t *testing.T) {
	svc := NewHTTPService(HTTPServiceConfig{})
	err := svc.ImportConfig(`{not json`)
	require.Error(t, err)
}
