package lua

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// RequestOptions mutates a request before it is sent. Used to inject
// authentication headers, rewrite URLs, and the like.
type RequestOptions func(*http.Request) error

// HTTPService exposes an HTTP client to Lua scripts as the global `http`
// module.
type HTTPService struct {
	client         *http.Client
	timeout        time.Duration
	requestOptions RequestOptions
}

// HTTPServiceConfig configures the HTTP service
type HTTPServiceConfig struct {
	// Timeout for HTTP requests (default: 30s)
	Timeout time.Duration

	// RequestOptions processes each request before it is sent
	RequestOptions RequestOptions

	// Transport overrides http.DefaultTransport, which is how fixtures
	// get between scripts and the network in tests
	Transport http.RoundTripper
}

// NewHTTPService creates an HTTP service with the given timeout and default
// transport
func NewHTTPService(timeout time.Duration) *HTTPService {
	return NewHTTPServiceWithConfig(HTTPServiceConfig{
		Timeout: timeout,
	})
}

// NewHTTPServiceWithConfig creates a new HTTP service with full configuration
func NewHTTPServiceWithConfig(config HTTPServiceConfig) *HTTPService {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	transport := config.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &HTTPService{
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
		timeout:        config.Timeout,
		requestOptions: config.RequestOptions,
	}
}

// Register adds the HTTP service to the Lua state
// Usage in Lua:
//
//	local response = http.get("https://api.example.com/data")
//	local response = http.post("https://api.example.com/data", "request body", {["Content-Type"] = "application/json"})
func (s *HTTPService) Register(L *lua.LState) {
	mod := L.NewTable()

	L.SetField(mod, "get", L.NewFunction(s.luaHTTPGet))
	L.SetField(mod, "post", L.NewFunction(s.luaHTTPPost))
	L.SetField(mod, "request", L.NewFunction(s.luaHTTPRequest))

	L.SetGlobal("http", mod)
}

// luaHTTPGet is http.get(url, [headers]).
// Returns a response table {status=int, body=string, headers=table} or
// (nil, error).
func (s *HTTPService) luaHTTPGet(L *lua.LState) int {
	url := L.CheckString(1)
	headers := parseHeaders(L, 2)

	return s.doRequest(L, http.MethodGet, url, nil, headers)
}

// luaHTTPPost is http.post(url, body, [headers]).
func (s *HTTPService) luaHTTPPost(L *lua.LState) int {
	url := L.CheckString(1)
	body := L.CheckString(2)
	headers := parseHeaders(L, 3)

	return s.doRequest(L, http.MethodPost, url, bytes.NewBufferString(body), headers)
}

// luaHTTPRequest is http.request(method, url, [body], [headers]) for the
// verbs the shorthand functions do not cover.
func (s *HTTPService) luaHTTPRequest(L *lua.LState) int {
	method := L.CheckString(1)
	url := L.CheckString(2)

	var body io.Reader
	if bodyStr := L.OptString(3, ""); bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	headers := parseHeaders(L, 4)

	return s.doRequest(L, method, url, body, headers)
}

// doRequest builds, decorates, and sends the request, pushing either the
// response table or (nil, error message) onto the Lua stack.
func (s *HTTPService) doRequest(L *lua.LState, method, url string, body io.Reader, headers map[string]string) int {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return pushError(L, "failed to create request: %v", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if s.requestOptions != nil {
		if err := s.requestOptions(req); err != nil {
			return pushError(L, "request options failed: %v", err)
		}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return pushError(L, "request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	L.Push(responseToLua(L, resp))
	return 1
}

// pushError pushes the (nil, message) pair Lua callers check for.
func pushError(L *lua.LState, format string, args ...interface{}) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(fmt.Sprintf(format, args...)))
	return 2
}

// parseHeaders converts an optional Lua table argument to a header map.
// Non-table arguments and non-string entries are ignored.
func parseHeaders(L *lua.LState, arg int) map[string]string {
	headers := make(map[string]string)

	if L.GetTop() < arg {
		return headers
	}

	tbl, ok := L.Get(arg).(*lua.LTable)
	if !ok {
		return headers
	}

	tbl.ForEach(func(key, value lua.LValue) {
		if key.Type() == lua.LTString && value.Type() == lua.LTString {
			headers[key.String()] = value.String()
		}
	})

	return headers
}

// responseToLua converts an HTTP response to a Lua table. Only the first
// value of each header is exposed.
func responseToLua(L *lua.LState, resp *http.Response) *lua.LTable {
	tbl := L.NewTable()

	L.SetField(tbl, "status", lua.LNumber(resp.StatusCode))

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		L.SetField(tbl, "body", lua.LString(""))
		L.SetField(tbl, "error", lua.LString(fmt.Sprintf("failed to read body: %v", err)))
	} else {
		L.SetField(tbl, "body", lua.LString(string(bodyBytes)))
	}

	headersTbl := L.NewTable()
	for key, values := range resp.Header {
		if len(values) > 0 {
			L.SetField(headersTbl, key, lua.LString(values[0]))
		}
	}
	L.SetField(tbl, "headers", headersTbl)

	return tbl
}
