package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveCORS(cfg CORSConfig, req *http.Request) *httptest.ResponseRecorder {
	handler := CORS(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestCORS_DevMode_AllowsWildcard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Origin", "https://evil.example")

	rr := serveCORS(CORSConfig{AllowedOrigins: []string{"*"}, Environment: "development"}, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS_DevMode_NoOriginStillWildcard(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)

	rr := serveCORS(CORSConfig{AllowedOrigins: []string{"*"}, Environment: "development"}, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_ProdMode_OriginMatching(t *testing.T) {
	cfg := CORSConfig{
		AllowedOrigins: []string{"https://ioty.ro", "https://admin.ioty.ro"},
		Environment:    "production",
	}

	tests := []struct {
		name   string
		origin string
		want   string
	}{
		{"storefront origin", "https://ioty.ro", "https://ioty.ro"},
		{"admin origin", "https://admin.ioty.ro", "https://admin.ioty.ro"},
		{"unlisted origin", "https://evil.example", ""},
		{"no origin", "", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}

			rr := serveCORS(cfg, req)

			assert.Equal(t, tc.want, rr.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, http.StatusOK, rr.Code)
			if tc.want != "" {
				assert.Equal(t, "Origin", rr.Header().Get("Vary"))
			}
		})
	}
}

func TestCORS_ProdMode_WildcardInList_AllowsAll(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Origin", "https://anything.example")

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"https://ioty.ro", "*"},
		Environment:    "production",
	}, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_PreflightOptions_Returns204(t *testing.T) {
	handler := CORS(CORSConfig{
		AllowedOrigins: []string{"*"},
		Environment:    "development",
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Must not be reached for OPTIONS.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("should not reach"))
	}))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/cart/merge", nil)
	req.Header.Set("Origin", "https://ioty.ro")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, rr.Body.String())
}

func TestCORS_AllowedHeaders_AreSet(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Accept", "Authorization", "X-Session-ID"},
		Environment:    "development",
	}, req)

	assert.Equal(t, "Accept, Authorization, X-Session-ID", rr.Header().Get("Access-Control-Allow-Headers"))
}

func TestCORS_ExposedHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"*"},
		ExposedHeaders: []string{"X-Correlation-ID", "X-Cart-Degraded"},
		Environment:    "development",
	}, req)

	assert.Equal(t, "X-Correlation-ID, X-Cart-Degraded", rr.Header().Get("Access-Control-Expose-Headers"))
}

func TestCORS_MaxAge(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"*"},
		MaxAge:         7200,
		Environment:    "development",
	}, req)

	assert.Equal(t, "7200", rr.Header().Get("Access-Control-Max-Age"))
}

func TestCORS_AllowCredentials(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Origin", "https://ioty.ro")

	rr := serveCORS(CORSConfig{
		AllowedOrigins:   []string{"https://ioty.ro"},
		AllowCredentials: true,
		Environment:      "production",
	}, req)

	assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCORS_DefaultMethods(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)

	rr := serveCORS(CORSConfig{
		AllowedOrigins: []string{"*"},
		Environment:    "development",
	}, req)

	assert.Equal(t, "GET, POST, PUT, PATCH, DELETE, OPTIONS", rr.Header().Get("Access-Control-Allow-Methods"))
}

func TestCORS_DefaultConfig(t *testing.T) {
	cfg := DefaultCORSConfig()
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Contains(t, cfg.AllowedMethods, "GET")
	assert.Contains(t, cfg.AllowedMethods, "POST")
	assert.Contains(t, cfg.AllowedHeaders, "X-Session-ID")
	assert.Contains(t, cfg.ExposedHeaders, "X-Cart-Degraded")
	assert.Equal(t, 3600, cfg.MaxAge)
	assert.Equal(t, "development", cfg.Environment)
}
