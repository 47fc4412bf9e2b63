package server

import (
	"context"
	"strings"
	"testing"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/crossfed-io/crossfed/internal/claims"
	"github.com/crossfed-io/crossfed/internal/issuer"
	"github.com/crossfed-io/crossfed/internal/policy"
	"github.com/crossfed-io/crossfed/internal/service"
	"github.com/crossfed-io/crossfed/internal/trust"
)

func TestAuthzServer_Check(t *testing.T) {
	ctx := context.Background()

	// Setup dependencies
	trustStore := trust.NewStubStore()

	stubValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
	stubValidator.WithResult(sessionResult("role/dns-sync/abc", allowStatement("*", "/api/*")))
	trustStore.AddValidator(stubValidator)

	tokenService := newAuthzTestTokenService()

	authzServer := NewAuthzServer(trustStore, tokenService, nil, nil)

	t.Run("successful authorization", func(t *testing.T) {
		resp, err := authzServer.Check(ctx, checkRequest("GET", "/api/resource", "Bearer session-token-123"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Check status
		if resp.Status.Code != 0 { // 0 == OK
			t.Errorf("expected OK status, got: %s", protojson.Format(resp))
		}

		// Check OK response
		okResp := resp.GetOkResponse()
		if okResp == nil {
			t.Fatal("expected OK response, got nil")
		}

		// A fresh credential is issued for the backend
		foundToken := false
		for _, header := range okResp.Headers {
			if header.Header.Key == "Authorization" {
				foundToken = true
				if header.Header.Value == "" {
					t.Error("issued token value is empty")
				}
			}
		}
		if !foundToken {
			t.Error("issued token header not found")
		}

		// Check that the external authorization header is removed
		foundAuthRemoval := false
		for _, headerName := range okResp.HeadersToRemove {
			if headerName == "authorization" {
				foundAuthRemoval = true
			}
		}
		if !foundAuthRemoval {
			t.Errorf("authorization header not in removal list. Headers to remove: %v", okResp.HeadersToRemove)
		}
	})

	t.Run("missing authorization header", func(t *testing.T) {
		req := checkRequest("GET", "/api/resource", "")

		resp, err := authzServer.Check(ctx, req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Should deny
		if resp.Status.Code == 0 {
			t.Error("expected denial, got OK")
		}

		deniedResp := resp.GetDeniedResponse()
		if deniedResp == nil {
			t.Fatal("expected denied response, got nil")
		}
	})

	t.Run("invalid bearer token", func(t *testing.T) {
		// Configure validator to reject
		stubValidator.WithError(trust.ErrInvalidToken)

		resp, err := authzServer.Check(ctx, checkRequest("GET", "/api/resource", "Bearer invalid-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Should deny
		if resp.Status.Code == 0 {
			t.Error("expected denial, got OK")
		}

		// Reset validator for other tests
		stubValidator.WithError(nil)
	})

	t.Run("request outside session permissions is denied", func(t *testing.T) {
		resp, err := authzServer.Check(ctx, checkRequest("GET", "/admin/keys", "Bearer session-token-123"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if resp.Status.Code == 0 {
			t.Error("expected denial for path outside permissions, got OK")
		}
		if !strings.Contains(resp.Status.Message, "not permitted") {
			t.Errorf("expected 'not permitted' in message, got: %s", resp.Status.Message)
		}
	})

	t.Run("credential without permissions grants nothing", func(t *testing.T) {
		bareValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
		bareValidator.WithResult(&trust.Result{
			Subject:     "plain-user",
			Issuer:      "https://some-idp.example.com",
			TrustDomain: "external",
		})
		bareStore := trust.NewStubStore()
		bareStore.AddValidator(bareValidator)

		bareServer := NewAuthzServer(bareStore, tokenService, nil, nil)

		resp, err := bareServer.Check(ctx, checkRequest("GET", "/api/resource", "Bearer plain-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if resp.Status.Code == 0 {
			t.Error("expected denial for credential without perm claim, got OK")
		}
	})

	t.Run("deny statement wins over allow", func(t *testing.T) {
		denyValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
		denyValidator.WithResult(sessionResult("role/dns-sync/def",
			allowStatement("*", "/api/*"),
			policy.Statement{Effect: policy.EffectDeny, Actions: []string{"DELETE"}, Resources: []string{"/api/*"}},
		))
		denyStore := trust.NewStubStore()
		denyStore.AddValidator(denyValidator)

		denyServer := NewAuthzServer(denyStore, tokenService, nil, nil)

		resp, err := denyServer.Check(ctx, checkRequest("DELETE", "/api/resource", "Bearer session-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if resp.Status.Code == 0 {
			t.Error("expected denial from Deny statement, got OK")
		}
	})

	t.Run("buildRequestAttributes extracts context extensions", func(t *testing.T) {
		req := checkRequest("POST", "/api/users", "")
		req.Attributes.ContextExtensions = map[string]string{
			"env":       "staging",
			"tenant_id": "tenant-123",
			"app":       "myapp",
		}

		attrs := authzServer.buildRequestAttributes(req)

		// Verify basic attributes
		if attrs.Method != "POST" {
			t.Errorf("expected method POST, got %s", attrs.Method)
		}

		if attrs.Path != "/api/users" {
			t.Errorf("expected path /api/users, got %s", attrs.Path)
		}

		if attrs.IPAddress != "192.168.1.1" {
			t.Errorf("expected IP 192.168.1.1, got %s", attrs.IPAddress)
		}

		// Verify context extensions are in Additional
		contextExtensions, ok := attrs.Additional["context_extensions"].(map[string]string)
		if !ok {
			t.Fatalf("expected context_extensions in Additional as map[string]string, got %T", attrs.Additional["context_extensions"])
		}

		if contextExtensions["env"] != "staging" {
			t.Errorf("expected env=staging in context_extensions, got %s", contextExtensions["env"])
		}

		if contextExtensions["tenant_id"] != "tenant-123" {
			t.Errorf("expected tenant_id=tenant-123 in context_extensions, got %s", contextExtensions["tenant_id"])
		}
	})

	t.Run("buildRequestAttributes handles missing context extensions", func(t *testing.T) {
		attrs := authzServer.buildRequestAttributes(checkRequest("GET", "/health", ""))

		// Should still have basic attributes
		if attrs.Method != "GET" {
			t.Errorf("expected method GET, got %s", attrs.Method)
		}

		// Additional should not include context_extensions
		if _, hasContextExt := attrs.Additional["context_extensions"]; hasContextExt {
			t.Error("expected no context_extensions when not provided by Envoy")
		}
	})
}

func TestAuthzServer_WithActorFiltering(t *testing.T) {
	ctx := context.Background()

	// Setup filtered trust store with CEL-based filtering
	filteredStore, err := trust.NewFilteredStore(
		trust.WithCELFilter(`actor.trust_domain == "gateway.example.com" && validator_name in ["external-validator"]`),
	)
	if err != nil {
		t.Fatalf("failed to create filtered store: %v", err)
	}

	// Add two validators - one for external sessions, one for internal ones
	externalValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
	externalValidator.WithResult(sessionResult("role/external/1", allowStatement("*", "*")))
	filteredStore.AddValidator("external-validator", externalValidator)

	internalValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
	internalValidator.WithResult(sessionResult("role/internal/1", allowStatement("*", "*")))
	filteredStore.AddValidator("internal-validator", internalValidator)

	tokenService := newAuthzTestTokenService()

	authzServer := NewAuthzServer(filteredStore, tokenService, nil, nil)

	t.Run("anonymous actor gets filtered store - no validators match", func(t *testing.T) {
		// No actor credentials in context, so ForActor will be called with AnonymousResult
		// The CEL filter requires trust_domain == "gateway.example.com", which won't match empty actor
		resp, err := authzServer.Check(ctx, checkRequest("GET", "/api/resource", "Bearer external-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Should deny - no validators available after filtering
		if resp.Status.Code == 0 {
			t.Error("expected denial for anonymous actor with no matching validators, got OK")
		}
	})

	t.Run("actor credentials via gRPC metadata - Bearer token", func(t *testing.T) {
		// Create a context with gRPC metadata containing actor credentials
		md := metadata.New(map[string]string{
			"authorization": "Bearer gateway-token",
		})
		actorCtx := metadata.NewIncomingContext(ctx, md)

		// Setup a validator for the gateway actor
		gatewayValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
		gatewayValidator.WithResult(&trust.Result{
			Subject:     "gateway-service",
			Issuer:      "https://gateway-idp.example.com",
			TrustDomain: "gateway.example.com",
		})

		// Create a new store with the gateway validator
		storeWithGateway, err := trust.NewFilteredStore(
			trust.WithCELFilter(`actor.trust_domain == "gateway.example.com" && validator_name in ["external-validator"]`),
		)
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}

		// Add gateway validator to validate actor
		storeWithGateway.AddValidator("gateway-validator", gatewayValidator)
		storeWithGateway.AddValidator("external-validator", externalValidator)
		storeWithGateway.AddValidator("internal-validator", internalValidator)

		authzServerWithGateway := NewAuthzServer(storeWithGateway, tokenService, nil, nil)

		resp, err := authzServerWithGateway.Check(actorCtx, checkRequest("GET", "/api/resource", "Bearer external-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Should succeed - gateway actor can access external-validator
		if resp.Status.Code != 0 {
			t.Errorf("expected OK for gateway actor with external validator, got code %d: %s",
				resp.Status.Code, resp.Status.Message)
		}

		okResp := resp.GetOkResponse()
		if okResp == nil {
			t.Fatal("expected OK response, got nil")
		}
	})

	t.Run("actor validation failure returns Unauthenticated", func(t *testing.T) {
		// Create a store with only JWT validators - no Bearer validators
		// So when a Bearer actor token is presented, validation will fail
		emptyStore := trust.NewStubStore()

		jwtValidator := trust.NewStubValidator(trust.CredentialTypeJWT)
		jwtValidator.WithResult(sessionResult("role/jwt/1", allowStatement("*", "*")))
		emptyStore.AddValidator(jwtValidator)

		authzServerFailing := NewAuthzServer(emptyStore, tokenService, nil, nil)

		md := metadata.New(map[string]string{
			"authorization": "Bearer actor-token",
		})
		actorCtx := metadata.NewIncomingContext(ctx, md)

		resp, err := authzServerFailing.Check(actorCtx, checkRequest("GET", "/api/resource", "Bearer subject-token"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Should deny with Unauthenticated - actor validation failed (no validator for Bearer type)
		if resp.Status.Code == 0 {
			t.Error("expected denial for invalid actor credentials, got OK")
		}

		if !strings.Contains(resp.Status.Message, "actor validation failed") {
			t.Errorf("expected 'actor validation failed' in message, got: %s", resp.Status.Message)
		}
	})
}

func TestAuthzServer_Check_Observability(t *testing.T) {
	ctx := context.Background()

	t.Run("successful authorization calls probe methods in correct order", func(t *testing.T) {
		fakeObs := service.NewFakeObserver(t)

		trustStore := trust.NewStubStore()
		stubValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
		stubValidator.WithResult(sessionResult("role/dns-sync/obs", allowStatement("*", "/api/*")))
		trustStore.AddValidator(stubValidator)

		authzServer := NewAuthzServer(trustStore, newAuthzTestTokenService(), nil, fakeObs)

		_, err := authzServer.Check(ctx, checkRequest("GET", "/api/resource", "Bearer valid-token"))
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}

		// Verify observer saw probe with correct method sequence
		p := fakeObs.AssertSingleProbe("AuthzCheckStarted", nil)
		p.AssertProbeSequence(
			"RequestAttributesParsed",
			"ActorValidationSucceeded",
			"SubjectCredentialExtracted",
			"SubjectValidationSucceeded",
			service.ProbeCall("PermissionEvaluated", "allow", "GET", "/api/resource"),
			"End",
		)
	})

	t.Run("permission denial is reported on the probe", func(t *testing.T) {
		fakeObs := service.NewFakeObserver(t)

		trustStore := trust.NewStubStore()
		stubValidator := trust.NewStubValidator(trust.CredentialTypeBearer)
		stubValidator.WithResult(sessionResult("role/dns-sync/obs", allowStatement("*", "/api/*")))
		trustStore.AddValidator(stubValidator)

		authzServer := NewAuthzServer(trustStore, newAuthzTestTokenService(), nil, fakeObs)

		_, err := authzServer.Check(ctx, checkRequest("GET", "/admin/keys", "Bearer valid-token"))
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}

		p := fakeObs.AssertSingleProbe("AuthzCheckStarted", nil)
		p.AssertProbeSequence(
			"RequestAttributesParsed",
			"ActorValidationSucceeded",
			"SubjectCredentialExtracted",
			"SubjectValidationSucceeded",
			service.ProbeCall("PermissionEvaluated", "no_match", "GET", "/admin/keys"),
			"End",
		)
	})

	t.Run("missing credentials calls probe correctly", func(t *testing.T) {
		fakeObs := service.NewFakeObserver(t)

		trustStore := trust.NewStubStore()
		authzServer := NewAuthzServer(trustStore, newAuthzTestTokenService(), nil, fakeObs)

		_, err := authzServer.Check(ctx, checkRequest("GET", "/api/resource", ""))
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}

		// Verify observer saw probe with credential extraction failure
		p := fakeObs.AssertSingleProbe("AuthzCheckStarted", nil)
		p.AssertProbeSequence(
			"RequestAttributesParsed",
			"ActorValidationSucceeded",
			"SubjectCredentialExtractionFailed",
			"End",
		)
	})
}

// --- test helpers (bottom of file, per codebase convention) ---

// newAuthzTestTokenService builds a token service issuing stub session tokens.
func newAuthzTestTokenService() *service.TokenService {
	issuerRegistry := service.NewSimpleRegistry()
	issuerRegistry.Register(service.TokenTypeAccessToken, issuer.NewStubIssuer(issuer.StubIssuerConfig{
		IssuerURL:             "https://" + testTrustDomain,
		TTL:                   5 * time.Minute,
		RequestContextMappers: []service.ClaimMapper{service.NewRequestAttributesMapper()},
	}))
	return service.NewTokenService(testTrustDomain, service.NewDataSourceRegistry(), issuerRegistry, nil)
}

// sessionResult builds a validated role session result carrying permission
// statements in its perm claim, as minted by the exchange endpoint.
func sessionResult(subject string, statements ...policy.Statement) *trust.Result {
	return &trust.Result{
		Subject:     subject,
		Issuer:      "https://" + testTrustDomain,
		TrustDomain: testTrustDomain,
		Claims: claims.Claims{
			"perm": statements,
		},
	}
}

func allowStatement(action, resource string) policy.Statement {
	return policy.Statement{
		Effect:    policy.EffectAllow,
		Actions:   []string{action},
		Resources: []string{resource},
	}
}

// checkRequest builds an ext_authz check request. An empty authHeader omits
// the authorization header entirely.
func checkRequest(method, path, authHeader string) *authv3.CheckRequest {
	headers := map[string]string{}
	if authHeader != "" {
		headers["authorization"] = authHeader
	}

	return &authv3.CheckRequest{
		Attributes: &authv3.AttributeContext{
			Request: &authv3.AttributeContext_Request{
				Http: &authv3.AttributeContext_HttpRequest{
					Method:  method,
					Path:    path,
					Headers: headers,
				},
			},
			Source: &authv3.AttributeContext_Peer{
				Address: &corev3.Address{
					Address: &corev3.Address_SocketAddress{
						SocketAddress: &corev3.SocketAddress{
							Address: "192.168.1.1",
						},
					},
				},
			},
		},
	}
}
