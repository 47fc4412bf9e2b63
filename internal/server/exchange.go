package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/policy"
	"github.com/crossfed-io/crossfed/internal/provider"
	"github.com/crossfed-io/crossfed/internal/request"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

// GrantTypeTokenExchange is the RFC 8693 grant type.
const GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

// ExchangeRequest carries the parsed token exchange parameters. The standard
// RFC 8693 parameters are extended with the role the workload wants to
// assume and an optional session duration.
type ExchangeRequest struct {
	GrantType          string
	SubjectToken       string
	SubjectTokenType   string
	RequestedTokenType string
	Audience           string
	Scope              string

	// Role is the name of the assumable role (required).
	Role string

	// RequestedDuration is the desired session lifetime. Zero means the
	// role's maximum.
	RequestedDuration time.Duration

	// RequestContext is a base64-encoded JSON object of client-asserted
	// request claims, filtered by the actor's claims filter.
	RequestContext string
}

// ExchangeResponse is the RFC 8693 success response.
type ExchangeResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int64  `json:"expires_in"`
	Scope           string `json:"scope,omitempty"`
}

// exchangeErrorResponse is the RFC 6749 error envelope. When the failure is
// one of the protocol failure modes its identifier is carried in error_code.
type exchangeErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorCode        string `json:"error_code,omitempty"`
}

// exchangeError pairs an error with its OAuth error code and HTTP status.
type exchangeError struct {
	status int
	code   string
	err    error
}

func (e *exchangeError) Error() string { return e.err.Error() }
func (e *exchangeError) Unwrap() error { return e.err }

func invalidRequest(format string, args ...any) error {
	return &exchangeError{status: http.StatusBadRequest, code: "invalid_request", err: fmt.Errorf(format, args...)}
}

// ExchangeServer implements the token exchange endpoint. A workload presents
// an identity token from a registered provider plus a role name; if the
// role's trust policy permits the validated subject, the server mints a
// short-lived role session credential scoped by the role's permission
// policies.
type ExchangeServer struct {
	trustStore           trust.Store
	tokenService         *service.TokenService
	roles                *policy.RoleRegistry
	providers            *provider.Registry
	claimsFilterRegistry ClaimsFilterRegistry
	observer             service.TokenExchangeObserver
	logger               *slog.Logger
}

// ExchangeServerConfig configures the exchange server
type ExchangeServerConfig struct {
	TrustStore           trust.Store
	TokenService         *service.TokenService
	Roles                *policy.RoleRegistry
	Providers            *provider.Registry
	ClaimsFilterRegistry ClaimsFilterRegistry

	// Observer receives exchange lifecycle events. If nil, uses a no-op observer.
	Observer service.TokenExchangeObserver

	// Logger is the structured logger to use. If nil, uses slog.Default()
	Logger *slog.Logger
}

// NewExchangeServer creates a new token exchange server
func NewExchangeServer(cfg ExchangeServerConfig) *ExchangeServer {
	// Use null object pattern - default to no-op observer if none provided
	observer := cfg.Observer
	if observer == nil {
		observer = service.NoOpTokenExchangeObserver()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ExchangeServer{
		trustStore:           cfg.TrustStore,
		tokenService:         cfg.TokenService,
		roles:                cfg.Roles,
		providers:            cfg.Providers,
		claimsFilterRegistry: cfg.ClaimsFilterRegistry,
		observer:             observer,
		logger:               logger,
	}
}

// ServeHTTP handles POST with application/x-www-form-urlencoded parameters
// per RFC 8693, plus the role and requested_duration extensions.
func (s *ExchangeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeExchangeError(w, &exchangeError{
			status: http.StatusMethodNotAllowed,
			code:   "invalid_request",
			err:    fmt.Errorf("method %s not allowed", r.Method),
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeExchangeError(w, invalidRequest("failed to parse form: %v", err))
		return
	}

	req := &ExchangeRequest{
		GrantType:          r.PostForm.Get("grant_type"),
		SubjectToken:       r.PostForm.Get("subject_token"),
		SubjectTokenType:   r.PostForm.Get("subject_token_type"),
		RequestedTokenType: r.PostForm.Get("requested_token_type"),
		Audience:           r.PostForm.Get("audience"),
		Scope:              r.PostForm.Get("scope"),
		Role:               r.PostForm.Get("role"),
		RequestContext:     r.PostForm.Get("request_context"),
	}

	if v := r.PostForm.Get("requested_duration"); v != "" {
		seconds, err := strconv.ParseInt(v, 10, 64)
		if err != nil || seconds < 0 {
			writeExchangeError(w, invalidRequest("invalid requested_duration: %q", v))
			return
		}
		req.RequestedDuration = time.Duration(seconds) * time.Second
	}

	actorCred := extractActorCredentialHTTP(r)

	resp, err := s.Exchange(r.Context(), req, actorCred)
	if err != nil {
		writeExchangeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write exchange response", "error", err)
	}
}

// Exchange runs the token exchange flow: validate the subject token against
// the registered identity providers, check the role's trust policy, and
// issue a role session credential.
func (s *ExchangeServer) Exchange(ctx context.Context, req *ExchangeRequest, actorCred trust.Credential) (*ExchangeResponse, error) {
	// Create request-scoped probe
	ctx, probe := s.observer.TokenExchangeStarted(ctx, req.GrantType, req.RequestedTokenType, req.Audience, req.Scope)
	defer probe.End()

	// 1. Validate the grant type and required parameters
	if req.GrantType != GrantTypeTokenExchange {
		return nil, &exchangeError{
			status: http.StatusBadRequest,
			code:   "unsupported_grant_type",
			err:    fmt.Errorf("unsupported grant_type: %q", req.GrantType),
		}
	}
	if req.SubjectToken == "" {
		return nil, invalidRequest("subject_token is required")
	}
	if req.Role == "" {
		return nil, invalidRequest("role is required")
	}

	// 2. Validate the actor credential when one is present
	var actor *trust.Result
	if actorCred != nil {
		var validationErr error
		actor, validationErr = s.trustStore.Validate(ctx, actorCred)
		if validationErr != nil {
			probe.ActorValidationFailed(validationErr)
			return nil, &exchangeError{
				status: http.StatusUnauthorized,
				code:   "invalid_client",
				err:    fmt.Errorf("actor validation failed: %w", validationErr),
			}
		}
		probe.ActorValidationSucceeded(actor)
	} else {
		actor = trust.AnonymousResult()
		probe.ActorValidationSucceeded(actor)
	}

	// 3. Parse and filter client-provided request_context claims
	reqAttrs, err := s.parseRequestContext(req, actor, probe)
	if err != nil {
		return nil, err
	}

	// 4. Filter trust store based on actor permissions
	filteredStore, err := s.trustStore.ForActor(ctx, actor, reqAttrs)
	if err != nil {
		return nil, fmt.Errorf("failed to filter trust store: %w", err)
	}

	// 5. Validate the subject token against the registered providers. The
	// store routes on the token's issuer, so an unregistered issuer fails
	// here with ErrUntrustedIssuer before any signature check.
	result, err := filteredStore.Validate(ctx, &trust.BearerCredential{
		Token: req.SubjectToken,
	})
	if err != nil {
		probe.SubjectTokenValidationFailed(err)
		return nil, validationError(err)
	}
	probe.SubjectTokenValidationSucceeded(result)

	// 6. Resolve the role and check its trust policy
	session, err := s.resolveRole(req, result, probe)
	if err != nil {
		return nil, err
	}

	// 7. Validate audience matches the trust domain. Issued session
	// credentials are always addressed to the local trust domain.
	if req.Audience != "" && req.Audience != s.tokenService.TrustDomain() {
		return nil, &exchangeError{
			status: http.StatusBadRequest,
			code:   "invalid_target",
			err: fmt.Errorf("requested audience %q does not match trust domain %q",
				req.Audience, s.tokenService.TrustDomain()),
		}
	}

	// 8. Determine which token type to issue
	// RFC 8693: if requested_token_type is not specified, default to access_token
	requestedTokenType := service.TokenTypeAccessToken
	if req.RequestedTokenType != "" {
		requestedTokenType = service.TokenType(req.RequestedTokenType)
	}

	// 9. Issue the session credential via TokenService
	tokens, err := s.tokenService.IssueTokens(ctx, &service.IssueRequest{
		Subject:           result,
		Actor:             actor,
		RequestAttributes: reqAttrs,
		TokenTypes:        []service.TokenType{requestedTokenType},
		Scope:             req.Scope,
		Session:           session,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	token, ok := tokens[requestedTokenType]
	if !ok {
		return nil, fmt.Errorf("token service did not return requested token type %s", requestedTokenType)
	}

	return &ExchangeResponse{
		AccessToken:     token.Value,
		IssuedTokenType: string(requestedTokenType),
		TokenType:       "Bearer",
		ExpiresIn:       int64(token.ExpiresAt.Sub(token.IssuedAt).Seconds()),
		Scope:           req.Scope,
	}, nil
}

// parseRequestContext decodes and filters the optional request_context
// parameter and folds in exchange request metadata.
func (s *ExchangeServer) parseRequestContext(req *ExchangeRequest, actor *trust.Result, probe service.TokenExchangeProbe) (*request.RequestAttributes, error) {
	var reqAttrs *request.RequestAttributes
	if req.RequestContext != "" {
		decodedJSON, err := base64.StdEncoding.DecodeString(req.RequestContext)
		if err != nil {
			probe.RequestContextParseFailed(err)
			return nil, invalidRequest("failed to decode request_context base64: %v", err)
		}

		var requestContextClaims claims.Claims
		if err := json.Unmarshal(decodedJSON, &requestContextClaims); err != nil {
			probe.RequestContextParseFailed(err)
			return nil, invalidRequest("failed to parse request_context JSON: %v", err)
		}

		// Filter the claims based on what this actor is trusted to assert
		claimsFilter, err := s.claimsFilterRegistry.GetFilter(actor)
		if err != nil {
			probe.RequestContextParseFailed(err)
			return nil, fmt.Errorf("failed to get claims filter for actor: %w", err)
		}
		filteredClaims := claimsFilter.Filter(requestContextClaims)

		reqAttrs = request.FromClaims(filteredClaims)
		probe.RequestContextParsed(reqAttrs)
	} else {
		// No request_context provided, use empty attributes
		reqAttrs = request.FromClaims(nil)
		probe.RequestContextParsed(reqAttrs)
	}

	// Add metadata from the token exchange request itself to Additional
	// These are not client-provided claims but server-side request metadata
	if req.Audience != "" {
		reqAttrs.Additional["requested_audience"] = req.Audience
	}
	if req.Scope != "" {
		reqAttrs.Additional["requested_scope"] = req.Scope
	}
	reqAttrs.Additional["requested_role"] = req.Role

	return reqAttrs, nil
}

// resolveRole looks up the requested role, verifies the validated subject
// came through the provider the role's trust policy is bound to, and checks
// the policy's subject patterns and condition. An unknown role and a
// rejected subject produce the same error so callers cannot probe for role
// names.
func (s *ExchangeServer) resolveRole(req *ExchangeRequest, result *trust.Result, probe service.TokenExchangeProbe) (*service.RoleSession, error) {
	role, ok := s.roles.Lookup(req.Role)
	if !ok {
		err := fmt.Errorf("%w: role %q", trust.ErrSubjectNotPermitted, req.Role)
		probe.RoleResolutionFailed(req.Role, err)
		return nil, validationError(err)
	}

	// The trust policy is bound to one provider record. The token must have
	// been validated by that provider, not merely by any registered one.
	rec, ok := s.providers.LookupIssuer(result.Issuer)
	if !ok || rec.Name != role.TrustPolicy.Provider {
		err := fmt.Errorf("%w: role %q is not assumable from issuer %q",
			trust.ErrSubjectNotPermitted, req.Role, result.Issuer)
		probe.RoleResolutionFailed(req.Role, err)
		return nil, validationError(err)
	}

	permitted, err := role.TrustPolicy.Permits(result)
	if err != nil {
		probe.RoleResolutionFailed(req.Role, err)
		return nil, fmt.Errorf("trust policy evaluation failed for role %q: %w", req.Role, err)
	}
	if !permitted {
		err := fmt.Errorf("%w: subject %q may not assume role %q",
			trust.ErrSubjectNotPermitted, result.Subject, req.Role)
		probe.RoleResolutionFailed(req.Role, err)
		return nil, validationError(err)
	}

	session := service.NewRoleSession(role, req.RequestedDuration)
	probe.RoleResolved(req.Role, session)
	return session, nil
}

// validationError maps a trust validation failure to its OAuth error code
// and HTTP status. SubjectNotPermitted is an authorization failure; the
// other protocol failure modes are authentication failures of the presented
// token.
func validationError(err error) error {
	if errors.Is(err, trust.ErrSubjectNotPermitted) {
		return &exchangeError{status: http.StatusForbidden, code: "access_denied", err: err}
	}
	if trust.Code(err) != "" {
		return &exchangeError{status: http.StatusUnauthorized, code: "invalid_grant", err: err}
	}
	return &exchangeError{status: http.StatusUnauthorized, code: "invalid_grant", err: fmt.Errorf("token validation failed: %w", err)}
}

// writeExchangeError writes the RFC 6749 error envelope. Unclassified errors
// become an opaque server_error so internal details never reach clients.
func writeExchangeError(w http.ResponseWriter, err error) {
	resp := exchangeErrorResponse{
		Error:            "server_error",
		ErrorDescription: "internal error",
	}
	status := http.StatusInternalServerError

	var exchErr *exchangeError
	if errors.As(err, &exchErr) {
		status = exchErr.status
		resp.Error = exchErr.code
		resp.ErrorDescription = exchErr.err.Error()
	}
	resp.ErrorCode = trust.Code(err)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
