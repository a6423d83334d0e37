package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"starline.org/internal/access"
	"starline.org/internal/audit"
	"starline.org/internal/compliance"
	"starline.org/internal/tenant"
)

const testPassword = "str0ng-passw0rd"

// memSettings keeps audit settings in memory with async writes disabled, so
// tests can assert on the trail immediately after a request returns.
type memSettings struct {
	mu    sync.Mutex
	byOrg map[string]audit.Settings
}

func newMemSettings() *memSettings {
	return &memSettings{byOrg: make(map[string]audit.Settings)}
}

func (m *memSettings) OrganizationSettings(_ context.Context, orgID string) (audit.Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byOrg[orgID]; ok {
		return s, nil
	}
	s := audit.DefaultSettings(orgID)
	s.AsyncEnabled = false
	return s, nil
}

func (m *memSettings) SaveSettings(_ context.Context, s audit.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byOrg[s.OrganizationID] = s
	return nil
}

type testEnv struct {
	handler    http.Handler
	svc        *access.Service
	store      *access.MemStore
	auditStore *audit.MemStore
	violations *compliance.MemStore
	recorder   *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := access.NewMemStore()
	resolver := access.NewResolver(store, access.NewMemoryCache(), time.Minute)
	signer, err := access.NewTokenSigner("test-secret-test-secret-test-secret", 15*time.Minute)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	svc, err := access.NewService(store, resolver, signer)
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	if err := svc.EnsureBuiltins(context.Background()); err != nil {
		t.Fatalf("seed permissions: %v", err)
	}

	auditStore := audit.NewMemStore()
	recorder, err := audit.NewRecorder(auditStore, nil, "test-integrity-key",
		audit.WithSettingsStore(newMemSettings()))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	t.Cleanup(recorder.Close)

	violations := compliance.NewMemStore()
	api := New(Config{
		Access:     svc,
		Guard:      tenant.NewGuard(svc, "starline.test"),
		Recorder:   recorder,
		AuditStore: auditStore,
		Settings:   newMemSettings(),
		Compliance: compliance.NewService(violations),
		Version:    "test",
	})
	return &testEnv{
		handler:    api.Handler(),
		svc:        svc,
		store:      store,
		auditStore: auditStore,
		violations: violations,
		recorder:   recorder,
	}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rr.Body.String(), err)
	}
	return out
}

func seedOrg(t *testing.T, env *testEnv, name, subdomain string) access.Organization {
	t.Helper()
	org, err := env.svc.CreateOrganization(context.Background(), name, subdomain)
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	return org
}

// seedUser creates an active user holding exactly the given permission keys
// through a dedicated role.
func seedUser(t *testing.T, env *testEnv, orgID, email string, perms ...string) access.User {
	t.Helper()
	ctx := context.Background()
	user, err := env.svc.CreateUser(ctx, orgID, email, testPassword, "Test", "User")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if len(perms) > 0 {
		role, err := env.svc.CreateRole(ctx, orgID, "role for "+email, "")
		if err != nil {
			t.Fatalf("create role: %v", err)
		}
		if err := env.svc.SetRolePermissions(ctx, role.ID, perms); err != nil {
			t.Fatalf("set role permissions: %v", err)
		}
		if err := env.svc.AssignRole(ctx, user.ID, role.ID); err != nil {
			t.Fatalf("assign role: %v", err)
		}
	}
	return user
}

func seedSuperAdmin(t *testing.T, env *testEnv, email string) access.User {
	t.Helper()
	hash, err := access.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := access.User{
		Email:        email,
		PasswordHash: hash,
		SuperAdmin:   true,
		Status:       access.UserStatusActive,
	}
	if err := env.store.CreateUser(context.Background(), &user); err != nil {
		t.Fatalf("create super admin: %v", err)
	}
	return user
}

func login(t *testing.T, env *testEnv, email string) string {
	t.Helper()
	rr := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    email,
		"password": testPassword,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", email, rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]any](t, rr)
	token, _ := resp["access_token"].(string)
	if token == "" {
		t.Fatalf("login %s: no access token in %v", email, resp)
	}
	return token
}

func countAudit(t *testing.T, env *testEnv, f audit.Filter) int {
	t.Helper()
	n, err := env.auditStore.Count(context.Background(), f)
	if err != nil {
		t.Fatalf("audit count: %v", err)
	}
	return n
}

func TestPublicEndpointsNeedNoToken(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/metrics"} {
		rr := env.do(t, http.MethodGet, path, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rr.Code)
		}
	}
}

func TestProtectedEndpointsRejectMissingOrBadToken(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/v1/permissions", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status %d", rr.Code)
	}
	rr = env.do(t, http.MethodGet, "/v1/permissions", "not-a-jwt", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status %d", rr.Code)
	}
}

func TestLoginSuccessAndTrail(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "nurse@sunrise.example", "clients:read")

	token := login(t, env, "nurse@sunrise.example")

	rr := env.do(t, http.MethodGet, "/v1/permissions", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("permissions: status %d body %s", rr.Code, rr.Body.String())
	}

	if n := countAudit(t, env, audit.Filter{OrganizationID: org.ID, Action: audit.ActionLogin}); n != 1 {
		t.Fatalf("expected one LOGIN record, got %d", n)
	}
}

func TestLoginFailureIsAudited(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	user := seedUser(t, env, org.ID, "nurse@sunrise.example")

	rr := env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "nurse@sunrise.example",
		"password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d", rr.Code)
	}

	recs, err := env.auditStore.Query(context.Background(), audit.Filter{
		Action:       audit.ActionLogin,
		FailuresOnly: true,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 || recs[0].ErrorMessage != "invalid credentials" {
		t.Fatalf("unexpected failure trail: %+v", recs)
	}
	// The failure is attributed to the matched account even though the
	// caller never authenticated.
	if recs[0].ActorID != user.ID || recs[0].OrganizationID != org.ID {
		t.Fatalf("failure not attributed: actor %q org %q", recs[0].ActorID, recs[0].OrganizationID)
	}

	// An email that matches no account stays unattributed.
	rr = env.do(t, http.MethodPost, "/v1/auth/login", "", map[string]string{
		"email":    "nobody@sunrise.example",
		"password": "wrong-password",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email: status %d", rr.Code)
	}
	env.recorder.Close()
	recs, err = env.auditStore.Query(context.Background(), audit.Filter{
		Action:       audit.ActionLogin,
		FailuresOnly: true,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.ActorID == "" && rec.OrganizationID != "" {
			t.Fatalf("unattributed failure carries an organization: %+v", rec)
		}
	}
}

func TestPermissionDenialIsAudited(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "nurse@sunrise.example", "clients:read")
	token := login(t, env, "nurse@sunrise.example")

	rr := env.do(t, http.MethodGet, "/v1/audit/records", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d body %s", rr.Code, rr.Body.String())
	}

	recs, err := env.auditStore.Query(context.Background(), audit.Filter{
		OrganizationID: org.ID,
		Action:         audit.ActionAccessDenied,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 1 || recs[0].ResourceType != "audit" {
		t.Fatalf("unexpected denial trail: %+v", recs)
	}
}

func TestCrossTenantAccessReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	seedUser(t, env, orgA.ID, "admin@org-a.example", "users:manage", "organizations:manage")
	token := login(t, env, "admin@org-a.example")

	rr := env.do(t, http.MethodGet, "/v1/organizations/"+orgB.ID+"/users", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("cross-tenant list must read as 404, got %d", rr.Code)
	}
	resp := decodeBody[map[string]any](t, rr)
	if resp["error"] != "resource not found" {
		t.Fatalf("mismatch must be indistinguishable from missing, got %v", resp["error"])
	}

	// A genuinely missing organization yields the identical response.
	rr2 := env.do(t, http.MethodGet, "/v1/organizations/no-such-org/users", token, nil)
	if rr2.Code != http.StatusNotFound {
		t.Fatalf("missing org: status %d", rr2.Code)
	}

	if n := countAudit(t, env, audit.Filter{Action: audit.ActionTenantMismatch}); n != 2 {
		t.Fatalf("expected two TENANT_MISMATCH records, got %d", n)
	}
}

func TestMissingAndForeignIDsReadIdentically(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	foreign := seedUser(t, env, orgB.ID, "staff@org-b.example")
	foreignRole, err := env.svc.CreateRole(context.Background(), orgB.ID, "Org B Role", "")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	seedUser(t, env, orgA.ID, "admin@org-a.example", "users:manage", "roles:manage")
	token := login(t, env, "admin@org-a.example")

	cases := []struct {
		name    string
		missing string
		foreign string
	}{
		{"user", "/v1/users/no-such-user", "/v1/users/" + foreign.ID},
		{"role", "/v1/roles/no-such-role", "/v1/roles/" + foreignRole.ID},
	}
	for _, tc := range cases {
		missing := env.do(t, http.MethodGet, tc.missing, token, nil)
		other := env.do(t, http.MethodGet, tc.foreign, token, nil)
		if missing.Code != http.StatusNotFound || other.Code != http.StatusNotFound {
			t.Fatalf("%s: statuses %d vs %d", tc.name, missing.Code, other.Code)
		}
		m := decodeBody[map[string]any](t, missing)
		o := decodeBody[map[string]any](t, other)
		if m["error"] != "resource not found" || o["error"] != m["error"] {
			t.Fatalf("%s: bodies must match, got %v vs %v", tc.name, m["error"], o["error"])
		}
	}
}

func TestSuperAdminCrossesOrganizations(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	seedSuperAdmin(t, env, "root@starline.example")
	token := login(t, env, "root@starline.example")

	for _, orgID := range []string{orgA.ID, orgB.ID} {
		rr := env.do(t, http.MethodGet, "/v1/organizations/"+orgID+"/users", token, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("super admin listing %s: status %d", orgID, rr.Code)
		}
	}

	// Elevated access is visible in the trail.
	rr := env.do(t, http.MethodPost, "/v1/organizations", token, map[string]string{
		"name":      "Org C",
		"subdomain": "org-c",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create org: status %d body %s", rr.Code, rr.Body.String())
	}
	recs, _ := env.auditStore.Query(context.Background(), audit.Filter{
		Action:       audit.ActionCreate,
		ResourceType: "organization",
	})
	if len(recs) != 1 || !recs[0].Elevated {
		t.Fatalf("super admin writes must be marked elevated: %+v", recs)
	}
}

func TestRoleAndPermissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "admin@sunrise.example", "users:manage", "roles:manage")
	staff := seedUser(t, env, org.ID, "staff@sunrise.example")
	token := login(t, env, "admin@sunrise.example")

	rr := env.do(t, http.MethodPost, "/v1/organizations/"+org.ID+"/roles", token, map[string]string{
		"name": "Care Staff",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("create role: status %d body %s", rr.Code, rr.Body.String())
	}
	role := decodeBody[access.Role](t, rr)

	rr = env.do(t, http.MethodPut, "/v1/roles/"+role.ID+"/permissions", token, map[string]any{
		"permissions": []string{"clients:read", "documentation:create"},
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("set role permissions: status %d body %s", rr.Code, rr.Body.String())
	}

	// Unknown keys are rejected at assignment time.
	rr = env.do(t, http.MethodPut, "/v1/roles/"+role.ID+"/permissions", token, map[string]any{
		"permissions": []string{"rockets:launch"},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown permission: status %d", rr.Code)
	}

	rr = env.do(t, http.MethodPut, "/v1/users/"+staff.ID+"/role", token, map[string]string{
		"role_id": role.ID,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("assign role: status %d body %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/v1/users/"+staff.ID+"/permissions", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve permissions: status %d", rr.Code)
	}
	resolved := decodeBody[map[string]any](t, rr)
	perms, _ := resolved["permissions"].([]any)
	if len(perms) != 2 {
		t.Fatalf("expected role permissions, got %v", resolved)
	}

	// A custom grant replaces the role set entirely.
	rr = env.do(t, http.MethodPut, "/v1/users/"+staff.ID+"/permissions", token, map[string]any{
		"permissions":            []string{"scheduling:read"},
		"use_custom_permissions": true,
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("set custom permissions: status %d body %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/v1/users/"+staff.ID+"/permissions", token, nil)
	resolved = decodeBody[map[string]any](t, rr)
	perms, _ = resolved["permissions"].([]any)
	if len(perms) != 1 || perms[0] != "scheduling:read" {
		t.Fatalf("custom grant must replace the role set, got %v", perms)
	}
}

func TestAuditQueryIsScopeClamped(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	seedUser(t, env, orgA.ID, "auditor@org-a.example", "audit:read")
	token := login(t, env, "auditor@org-a.example")

	for _, orgID := range []string{orgA.ID, orgB.ID} {
		rec := audit.Record{ID: "rec-" + orgID, OrganizationID: orgID, Action: audit.ActionUpdate,
			ResourceType: "client", CreatedAt: time.Now().UTC()}
		if err := env.auditStore.Append(context.Background(), &rec); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// Asking for the other organization's trail silently yields your own.
	rr := env.do(t, http.MethodGet, "/v1/audit/records?organization_id="+orgB.ID, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("query: status %d body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[auditQueryResponse](t, rr)
	for _, rec := range resp.Items {
		if rec.OrganizationID != orgA.ID {
			t.Fatalf("foreign record leaked: %+v", rec)
		}
	}
}

func TestAuditExportRequiresExportPermission(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "reader@sunrise.example", "audit:read")
	seedUser(t, env, org.ID, "exporter@sunrise.example", "audit:read", "audit:export")

	token := login(t, env, "reader@sunrise.example")
	rr := env.do(t, http.MethodGet, "/v1/audit/records?export=true", token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("read-only auditor must not export, got %d", rr.Code)
	}

	token = login(t, env, "exporter@sunrise.example")
	rr = env.do(t, http.MethodGet, "/v1/audit/records?export=true", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("export: status %d body %s", rr.Code, rr.Body.String())
	}
	if n := countAudit(t, env, audit.Filter{Action: audit.ActionExport}); n != 1 {
		t.Fatalf("expected one EXPORT record, got %d", n)
	}
}

func TestVerifyEndpointFlagsTamper(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "compliance@sunrise.example", "audit:read", "compliance:manage")
	token := login(t, env, "compliance@sunrise.example")

	rec, err := env.recorder.Record(context.Background(), audit.Entry{
		OrganizationID: org.ID,
		ActorID:        "u1",
		Action:         audit.ActionUpdate,
		ResourceType:   "client",
		ResourceID:     "c1",
		Success:        true,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	rr := env.do(t, http.MethodPost, "/v1/audit/records/"+rec.ID+"/verify", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify: status %d body %s", rr.Code, rr.Body.String())
	}
	resp := decodeBody[map[string]any](t, rr)
	if resp["intact"] != true {
		t.Fatalf("pristine record reported tampered: %v", resp)
	}

	env.auditStore.Tamper(rec.ID, func(target *audit.Record) { target.ActorID = "intruder" })

	rr = env.do(t, http.MethodPost, "/v1/audit/records/"+rec.ID+"/verify", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("verify tampered: status %d", rr.Code)
	}
	resp = decodeBody[map[string]any](t, rr)
	if resp["intact"] != false {
		t.Fatalf("tampered record reported intact: %v", resp)
	}
}

func TestVerifyEndpointHidesForeignRecords(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	seedUser(t, env, orgA.ID, "compliance@org-a.example", "compliance:manage")
	token := login(t, env, "compliance@org-a.example")

	rec, err := env.recorder.Record(context.Background(), audit.Entry{
		OrganizationID: orgB.ID,
		ActorID:        "u-b",
		Action:         audit.ActionUpdate,
		ResourceType:   "client",
		ResourceID:     "c1",
		Success:        true,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	// A foreign record id must be indistinguishable from a missing one.
	foreign := env.do(t, http.MethodPost, "/v1/audit/records/"+rec.ID+"/verify", token, nil)
	missing := env.do(t, http.MethodPost, "/v1/audit/records/no-such-record/verify", token, nil)
	if foreign.Code != http.StatusNotFound || missing.Code != http.StatusNotFound {
		t.Fatalf("statuses %d vs %d", foreign.Code, missing.Code)
	}
	f := decodeBody[map[string]any](t, foreign)
	m := decodeBody[map[string]any](t, missing)
	if f["error"] != "resource not found" || m["error"] != f["error"] {
		t.Fatalf("bodies must match, got %v vs %v", f["error"], m["error"])
	}
}

func TestViolationListHonorsTimeRange(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Org A", "org-a")
	seedUser(t, env, org.ID, "compliance@org-a.example", "compliance:manage")
	token := login(t, env, "compliance@org-a.example")

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"vio-old", "vio-new"} {
		v := compliance.Violation{
			ID:             id,
			OrganizationID: org.ID,
			Rule:           "brute_force_login",
			Severity:       compliance.SeverityHigh,
			Status:         compliance.StatusOpen,
			ActorID:        "u1",
			CreatedAt:      base.Add(time.Duration(i) * time.Hour),
		}
		if err := env.violations.CreateViolation(context.Background(), &v); err != nil {
			t.Fatalf("seed violation: %v", err)
		}
	}

	cutoff := base.Add(30 * time.Minute).Format(time.RFC3339)
	rr := env.do(t, http.MethodGet, "/v1/compliance/violations?to="+cutoff, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d body %s", rr.Code, rr.Body.String())
	}
	list := decodeBody[map[string][]compliance.Violation](t, rr)
	if len(list["items"]) != 1 || list["items"][0].ID != "vio-old" {
		t.Fatalf("to filter ignored, got %+v", list["items"])
	}

	rr = env.do(t, http.MethodGet, "/v1/compliance/violations?to=yesterday", token, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed to: status %d", rr.Code)
	}
}

func TestViolationWorkflow(t *testing.T) {
	env := newTestEnv(t)
	orgA := seedOrg(t, env, "Org A", "org-a")
	orgB := seedOrg(t, env, "Org B", "org-b")
	seedUser(t, env, orgA.ID, "compliance@org-a.example", "compliance:manage")
	token := login(t, env, "compliance@org-a.example")

	for i, orgID := range []string{orgA.ID, orgB.ID} {
		v := compliance.Violation{
			ID:             []string{"vio-a", "vio-b"}[i],
			OrganizationID: orgID,
			Rule:           "phi_access_without_consent",
			Severity:       compliance.SeverityCritical,
			Status:         compliance.StatusOpen,
			Summary:        "PHI accessed without verified consent",
			ActorID:        "u1",
			CreatedAt:      time.Now().UTC(),
		}
		if err := env.violations.CreateViolation(context.Background(), &v); err != nil {
			t.Fatalf("seed violation: %v", err)
		}
	}

	rr := env.do(t, http.MethodGet, "/v1/compliance/violations", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status %d body %s", rr.Code, rr.Body.String())
	}
	list := decodeBody[map[string][]compliance.Violation](t, rr)
	if len(list["items"]) != 1 || list["items"][0].ID != "vio-a" {
		t.Fatalf("list must be scope-clamped, got %+v", list["items"])
	}

	// The other tenant's violation reads as missing.
	rr = env.do(t, http.MethodGet, "/v1/compliance/violations/vio-b", token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign violation: status %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/compliance/violations/vio-a/acknowledge", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("acknowledge: status %d body %s", rr.Code, rr.Body.String())
	}
	v := decodeBody[compliance.Violation](t, rr)
	if v.Status != compliance.StatusAcknowledged {
		t.Fatalf("status = %s, want acknowledged", v.Status)
	}

	rr = env.do(t, http.MethodPost, "/v1/compliance/violations/vio-a/resolve", token, map[string]string{
		"note": "",
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("resolve without note: status %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/v1/compliance/violations/vio-a/resolve", token, map[string]string{
		"note": "staff retrained, session revoked",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("resolve: status %d body %s", rr.Code, rr.Body.String())
	}
	v = decodeBody[compliance.Violation](t, rr)
	if v.Status != compliance.StatusResolved || v.ResolutionNote == "" {
		t.Fatalf("unexpected violation: %+v", v)
	}

	// Closed violations refuse further transitions.
	rr = env.do(t, http.MethodPost, "/v1/compliance/violations/vio-a/acknowledge", token, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("transition from resolved: status %d", rr.Code)
	}
}

func TestAuditSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "compliance@sunrise.example", "compliance:manage")
	token := login(t, env, "compliance@sunrise.example")

	base := "/v1/organizations/" + org.ID + "/audit-settings"
	rr := env.do(t, http.MethodGet, base, token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get defaults: status %d body %s", rr.Code, rr.Body.String())
	}
	settings := decodeBody[audit.Settings](t, rr)
	if settings.RetentionDays != audit.MinRetentionDays {
		t.Fatalf("default retention = %d", settings.RetentionDays)
	}

	settings.RetentionDays = 365
	if rr := env.do(t, http.MethodPut, base, token, settings); rr.Code != http.StatusBadRequest {
		t.Fatalf("retention below floor: status %d", rr.Code)
	}

	settings.RetentionDays = 3650
	settings.LogReadOperations = false
	if rr := env.do(t, http.MethodPut, base, token, settings); rr.Code != http.StatusOK {
		t.Fatalf("save: status %d body %s", rr.Code, rr.Body.String())
	}
	if n := countAudit(t, env, audit.Filter{Action: audit.ActionConfigChange}); n != 1 {
		t.Fatalf("expected one CONFIGURATION_CHANGE record, got %d", n)
	}
}

func TestAuditReportSummarizesTrail(t *testing.T) {
	env := newTestEnv(t)
	org := seedOrg(t, env, "Sunrise Care", "sunrise")
	seedUser(t, env, org.ID, "auditor@sunrise.example", "audit:read")
	token := login(t, env, "auditor@sunrise.example")

	now := time.Now().UTC()
	seed := []audit.Record{
		{ID: "r1", OrganizationID: org.ID, Action: audit.ActionRead, ResourceType: "client",
			Classification: audit.ClassPHI, PHIAccessed: true, Success: true, CreatedAt: now},
		{ID: "r2", OrganizationID: org.ID, Action: audit.ActionUpdate, ResourceType: "role",
			Classification: audit.ClassAdministrative, Success: false, CreatedAt: now},
	}
	for i := range seed {
		if err := env.auditStore.Append(context.Background(), &seed[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	rr := env.do(t, http.MethodGet, "/v1/organizations/"+org.ID+"/audit-report", token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("report: status %d body %s", rr.Code, rr.Body.String())
	}
	report := decodeBody[map[string]any](t, rr)
	byClass, _ := report["by_classification"].(map[string]any)
	// The login above contributes an administrative record of its own.
	if report["total"] != float64(3) {
		t.Fatalf("unexpected total: %v", report["total"])
	}
	if byClass["PHI"] != float64(1) {
		t.Fatalf("PHI count = %v", byClass["PHI"])
	}
	if report["failures"] != float64(1) {
		t.Fatalf("failures = %v", report["failures"])
	}
}
