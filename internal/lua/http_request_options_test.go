package lua

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// evalWithOptions runs a script in a fresh state with an http service built
// from the given config and returns the script's single return value.
func evalWithOptions(t *testing.T, cfg HTTPServiceConfig, script string) lua.LValue {
	t.Helper()

	L := lua.NewState()
	t.Cleanup(L.Close)

	NewHTTPServiceWithConfig(cfg).Register(L)

	if err := L.DoString(script); err != nil {
		t.Fatalf("script execution failed: %v", err)
	}

	result := L.Get(-1)
	L.Pop(1)
	return result
}

func TestHTTPService_WithRequestOptions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer injected-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("unauthorized"))
			return
		}

		// The script's own header must survive the options hook
		customHeader := r.Header.Get("X-Custom")
		if customHeader != "from-lua" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("missing custom header"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("authenticated"))
	}))
	defer server.Close()

	cfg := HTTPServiceConfig{
		Timeout: 5 * time.Second,
		RequestOptions: func(req *http.Request) error {
			req.Header.Set("Authorization", "Bearer injected-token")
			return nil
		},
	}

	script := `
		local headers = {["X-Custom"] = "from-lua"}
		local response = http.get("` + server.URL + `", headers)
		return response.status .. ":" .. response.body
	`

	expected := "200:authenticated"
	if got := lua.LVAsString(evalWithOptions(t, cfg, script)); got != expected {
		t.Errorf("result = %q, want %q", got, expected)
	}
}

func TestHTTPService_RequestOptionsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	// A failing options hook must surface to the script as (nil, err)
	cfg := HTTPServiceConfig{
		Timeout: 5 * time.Second,
		RequestOptions: func(req *http.Request) error {
			return http.ErrServerClosed
		},
	}

	script := `
		local response, err = http.get("` + server.URL + `")
		if response == nil and err ~= nil then
			return "error"
		end
		return "no-error"
	`

	if got := lua.LVAsString(evalWithOptions(t, cfg, script)); got != "error" {
		t.Errorf("expected error when request options returns error")
	}
}

func TestHTTPService_RequestOptionsModifyURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") != "secret123" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("missing api key"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	cfg := HTTPServiceConfig{
		Timeout: 5 * time.Second,
		RequestOptions: func(req *http.Request) error {
			q := req.URL.Query()
			q.Add("api_key", "secret123")
			req.URL.RawQuery = q.Encode()
			return nil
		},
	}

	script := `
		local response = http.get("` + server.URL + `/api/data")
		return response.status .. ":" .. response.body
	`

	expected := "200:success"
	if got := lua.LVAsString(evalWithOptions(t, cfg, script)); got != expected {
		t.Errorf("result = %q, want %q", got, expected)
	}
}

func TestHTTPService_RequestOptionsAllMethods(t *testing.T) {
	callCount := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		callCount++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	L := lua.NewState()
	defer L.Close()

	// The hook must apply to get, post, and the generic request form alike
	service := NewHTTPServiceWithConfig(HTTPServiceConfig{
		Timeout: 5 * time.Second,
		RequestOptions: func(req *http.Request) error {
			req.Header.Set("Authorization", "Bearer token")
			return nil
		},
	})
	service.Register(L)

	scripts := map[string]string{
		"GET": `
			local response = http.get("` + server.URL + `")
			return response.status
		`,
		"POST": `
			local response = http.post("` + server.URL + `", "data")
			return response.status
		`,
		"PUT": `
			local response = http.request("PUT", "` + server.URL + `", "data")
			return response.status
		`,
	}

	for method, script := range scripts {
		if err := L.DoString(script); err != nil {
			t.Fatalf("%s failed: %v", method, err)
		}
		status := L.ToInt(-1)
		L.Pop(1)
		if status != 200 {
			t.Errorf("%s status = %d, want 200", method, status)
		}
	}

	if callCount != 3 {
		t.Errorf("expected 3 successful calls, got %d", callCount)
	}
}
