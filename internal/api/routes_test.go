package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/peyvandtel/broker/internal/auth"
	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/metering"
	"github.com/peyvandtel/broker/internal/pagination"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/ratelimit"
	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/user"
)

const (
	testAdminKey = "admin-secret"
	testService  = "STT"
	testUserID   = "0190f5a2-0000-7000-8000-000000000001"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeUserLookup struct {
	byHash map[string]*auth.Principal
}

func (f *fakeUserLookup) GetByKeyHash(_ context.Context, hash string) (*auth.Principal, error) {
	if p, ok := f.byHash[hash]; ok {
		return p, nil
	}
	return nil, user.ErrNotFound
}

type fakeExecutor struct {
	mu       sync.Mutex
	got      *broker.Descriptor
	contents map[string]string
	out      *broker.Outcome
	err      error
}

func (f *fakeExecutor) Execute(_ context.Context, d *broker.Descriptor) (*broker.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = d
	f.contents = map[string]string{}
	for _, a := range d.Attachments {
		rc, err := a.Open()
		if err != nil {
			return nil, err
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		f.contents[a.Filename] = string(b)
	}
	return f.out, f.err
}

type fakeLookup struct{}

func (fakeLookup) Lookup(serviceID string) (broker.Binding, error) {
	if serviceID != testService {
		return broker.Binding{}, broker.ErrUnknownService
	}
	return broker.Binding{ServiceID: serviceID}, nil
}

type fakeRecords struct {
	list    []*records.Record
	next    string
	listErr error
	gotList records.ListParams
	byID    map[uuid.UUID]*records.Record
}

func (f *fakeRecords) ListByUser(_ context.Context, p records.ListParams) ([]*records.Record, string, error) {
	f.gotList = p
	return f.list, f.next, f.listErr
}

func (f *fakeRecords) GetForUser(_ context.Context, serviceID, userID string, id uuid.UUID) (*records.Record, error) {
	rec, ok := f.byID[id]
	if !ok || rec.ServiceID != serviceID || rec.UserID != userID {
		return nil, records.ErrNotFound
	}
	return rec, nil
}

type fakeUsers struct {
	users     map[string]*user.User
	created   *user.CreateUserInput
	updated   *user.UpdateUserInput
	createErr error
}

func (f *fakeUsers) Create(_ context.Context, in user.CreateUserInput) (*user.CreateUserResult, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = &in
	u := &user.User{ID: uuid.NewString(), Name: in.Name, Mobile: in.Mobile, CreditThreshold: in.CreditThreshold}
	return &user.CreateUserResult{User: u, APIKey: "pvb_plaintext"}, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id string) (*user.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("getting user by id: %w", user.ErrNotFound)
}

func (f *fakeUsers) List(_ context.Context) ([]*user.User, error) {
	var out []*user.User
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeUsers) Update(_ context.Context, id string, in user.UpdateUserInput) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, user.ErrNotFound
	}
	f.updated = &in
	if in.CreditThreshold != nil {
		u.CreditThreshold = *in.CreditThreshold
	}
	if in.Name != nil {
		u.Name = *in.Name
	}
	return u, nil
}

func (f *fakeUsers) RotateKey(_ context.Context, id string) (string, error) {
	if _, ok := f.users[id]; !ok {
		return "", user.ErrNotFound
	}
	return "pvb_rotated", nil
}

type fakeAdjuster struct {
	entry *ledger.Entry
	err   error
	got   user.Adjustment
}

func (f *fakeAdjuster) Adjust(_ context.Context, _ string, adj user.Adjustment) (*ledger.Entry, error) {
	f.got = adj
	return f.entry, f.err
}

type fakeLedger struct {
	entries []*ledger.Entry
	got     ledger.ListParams
	report  *ledger.Report
	err     error
}

func (f *fakeLedger) List(_ context.Context, p ledger.ListParams) ([]*ledger.Entry, string, error) {
	f.got = p
	if p.Cursor == "bogus" {
		return nil, "", fmt.Errorf("invalid cursor: %w", pagination.ErrInvalidCursor)
	}
	return f.entries, "", nil
}

func (f *fakeLedger) Verify(_ context.Context, _ string) (*ledger.Report, error) {
	return f.report, f.err
}

type fakeCatalog struct {
	views    []catalog.AdminView
	cred     *catalog.Credential
	setPrice *pricing.PriceDefinition
	price    *pricing.PriceDefinition
	err      error
}

func (f *fakeCatalog) List(context.Context) ([]catalog.AdminView, error) { return f.views, f.err }

func (f *fakeCatalog) SetCredential(_ context.Context, _ string, cred catalog.Credential) error {
	if cred.Token == "" && (cred.Username == "" || cred.Password == "") {
		return catalog.ErrCredentialEmpty
	}
	f.cred = &cred
	return f.err
}

func (f *fakeCatalog) ToggleActive(_ context.Context, id string) (*catalog.ServiceDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &catalog.ServiceDefinition{ID: id, Active: true}, nil
}

func (f *fakeCatalog) Price(context.Context, string) (*pricing.PriceDefinition, error) {
	if f.price == nil {
		return nil, pricing.ErrNoPriceConfigured
	}
	return f.price, nil
}

func (f *fakeCatalog) SetPrice(_ context.Context, def *pricing.PriceDefinition) (*pricing.PriceDefinition, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.setPrice = def
	return def, nil
}

func (f *fakeCatalog) DeletePrice(context.Context, string) error { return f.err }

type fakeReconciler struct {
	sum   broker.Summary
	err   error
	calls int
}

func (f *fakeReconciler) RunOnce(context.Context) (broker.Summary, error) {
	f.calls++
	return f.sum, f.err
}

type fakeCalls struct {
	got metering.CallQuery
}

func (f *fakeCalls) Summary(_ context.Context, q metering.CallQuery) (*metering.CallSummary, error) {
	f.got = q
	return &metering.CallSummary{TotalCalls: 3, OKCount: 2, ErrorCount: 1}, nil
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

type testEnv struct {
	exec    *fakeExecutor
	records *fakeRecords
	users   *fakeUsers
	credit  *fakeAdjuster
	ledger  *fakeLedger
	catalog *fakeCatalog
	recon   *fakeReconciler
	calls   *fakeCalls
	userKey string
	handler http.Handler
}

func newTestEnv(t *testing.T, mutate ...func(*RouterDeps)) *testEnv {
	t.Helper()
	_, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	lookup := &fakeUserLookup{byHash: map[string]*auth.Principal{
		auth.HashKey(plaintext): {UserID: testUserID, Name: "Sara"},
	}}

	env := &testEnv{
		exec:    &fakeExecutor{},
		records: &fakeRecords{byID: map[uuid.UUID]*records.Record{}},
		users: &fakeUsers{users: map[string]*user.User{
			testUserID: {ID: testUserID, Name: "Sara", Credit: 1000, CreditThreshold: 100},
		}},
		credit:  &fakeAdjuster{},
		ledger:  &fakeLedger{},
		catalog: &fakeCatalog{},
		recon:   &fakeReconciler{},
		calls:   &fakeCalls{},
		userKey: plaintext,
	}
	deps := RouterDeps{
		Pipeline:       env.exec,
		Records:        env.records,
		Services:       fakeLookup{},
		Catalog:        env.catalog,
		Users:          env.users,
		Credit:         env.credit,
		Ledger:         env.ledger,
		Reconciler:     env.recon,
		RemoteCalls:    env.calls,
		Auth:           auth.NewService(lookup, testAdminKey),
		Limiter:        ratelimit.New(0, time.Minute),
		MaxUploadBytes: 1 << 20,
	}
	for _, fn := range mutate {
		fn(&deps)
	}
	env.handler = NewRouter(deps)
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) asUser(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer "+e.userKey)
	return req
}

func asAdmin(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Admin-Key", testAdminKey)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (e *testEnv) multipartRequest(t *testing.T, fields map[string]string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("attachments", name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := e.asUser(http.MethodPost, "/api/v1/requests", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

// ---------------------------------------------------------------------------
// User routes
// ---------------------------------------------------------------------------

func TestUserRoutesRequireAPIKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer pvb_wrong")
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rec.Code)
	}
}

func TestMe(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(env.asUser(http.MethodGet, "/api/v1/me", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var u user.User
	decode(t, rec, &u)
	if u.ID != testUserID || u.Credit != 1000 {
		t.Errorf("unexpected user: %+v", u)
	}
}

func TestCreateRequest(t *testing.T) {
	env := newTestEnv(t)
	id := uuid.Must(uuid.NewV7())
	env.exec.out = &broker.Outcome{
		Record: &records.Record{ID: id, UsedCredit: 300, Status: records.StatusSuccessful},
		Status: records.StatusSuccessful,
		Result: json.RawMessage(`{"text":"salam"}`),
	}

	req := env.multipartRequest(t,
		map[string]string{"serviceId": testService, "payload[ref]": "call-7", "operator": "12"},
		map[string]string{"call.wav": "RIFF-data"})
	rec := env.do(req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		ID         string          `json:"id"`
		Status     string          `json:"status"`
		UsedCredit int64           `json:"used_credit"`
		Result     json.RawMessage `json:"result"`
	}
	decode(t, rec, &body)
	if body.ID != id.String() || body.Status != "successful" || body.UsedCredit != 300 {
		t.Errorf("unexpected body: %+v", body)
	}
	if string(body.Result) != `{"text":"salam"}` {
		t.Errorf("result = %s", body.Result)
	}

	d := env.exec.got
	if d.ServiceID != testService || d.UserID != testUserID {
		t.Errorf("descriptor = %+v", d)
	}
	if d.Payload["ref"] != "call-7" || d.Payload["operator"] != "12" || len(d.Payload) != 2 {
		t.Errorf("payload = %v", d.Payload)
	}
	if env.exec.contents["call.wav"] != "RIFF-data" {
		t.Errorf("attachments = %v", env.exec.contents)
	}
}

func TestCreateRequestTrackedOmitsResult(t *testing.T) {
	env := newTestEnv(t)
	env.exec.out = &broker.Outcome{
		Record: &records.Record{ID: uuid.Must(uuid.NewV7()), UsedCredit: 300, Status: records.StatusWaiting},
		Status: records.StatusWaiting,
	}

	rec := env.do(env.multipartRequest(t, map[string]string{"serviceId": testService}, map[string]string{"a.wav": "x"}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if _, ok := body["result"]; ok {
		t.Errorf("waiting request should not carry a result: %v", body)
	}
	if body["status"] != "waiting" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestCreateRequestErrors(t *testing.T) {
	tests := []struct {
		name       string
		fields     map[string]string
		execErr    error
		wantStatus int
		wantCode   string
	}{
		{"missing service id", map[string]string{}, nil, http.StatusUnprocessableEntity, "validation_error"},
		{"validation", map[string]string{"serviceId": testService},
			&broker.ValidationError{Field: "attachments", Reason: "exactly one file is required"},
			http.StatusUnprocessableEntity, "validation_error"},
		{"insufficient credit", map[string]string{"serviceId": testService},
			&ledger.InsufficientCreditError{UserID: testUserID, Required: 300, Available: 5},
			http.StatusPaymentRequired, "insufficient_credit"},
		{"unknown service", map[string]string{"serviceId": "NOPE"}, broker.ErrUnknownService,
			http.StatusNotFound, "unknown_service"},
		{"inactive", map[string]string{"serviceId": testService}, catalog.ErrServiceInactive,
			http.StatusConflict, "service_inactive"},
		{"no price", map[string]string{"serviceId": testService}, pricing.ErrNoPriceConfigured,
			http.StatusConflict, "no_price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.exec.err = tt.execErr

			rec := env.do(env.multipartRequest(t, tt.fields, map[string]string{"a.wav": "x"}))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			assertErrorCode(t, rec, tt.wantCode)
		})
	}
}

func TestCreateRequestTooLarge(t *testing.T) {
	env := newTestEnv(t, func(d *RouterDeps) { d.MaxUploadBytes = 64 })

	rec := env.do(env.multipartRequest(t,
		map[string]string{"serviceId": testService},
		map[string]string{"big.wav": strings.Repeat("x", 4096)}))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if env.exec.got != nil {
		t.Error("pipeline should not run for an oversized upload")
	}
}

func TestCreateRequestServiceRateLimit(t *testing.T) {
	env := newTestEnv(t, func(d *RouterDeps) {
		d.ServiceLimiter = ratelimit.NewServiceLimiter(ratelimit.New(0, time.Minute),
			map[string]ratelimit.ServiceRates{testService: {Global: 1}})
	})
	env.exec.out = &broker.Outcome{
		Record: &records.Record{ID: uuid.Must(uuid.NewV7()), Status: records.StatusWaiting},
		Status: records.StatusWaiting,
	}

	first := env.do(env.multipartRequest(t, map[string]string{"serviceId": testService}, map[string]string{"a.wav": "x"}))
	if first.Code != http.StatusCreated {
		t.Fatalf("first request: expected 201, got %d", first.Code)
	}
	env.exec.got = nil

	second := env.do(env.multipartRequest(t, map[string]string{"serviceId": testService}, map[string]string{"a.wav": "x"}))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.Code)
	}
	if env.exec.got != nil {
		t.Error("pipeline should not run for a rate-limited request")
	}
}

func TestListRequests(t *testing.T) {
	env := newTestEnv(t)
	env.records.list = []*records.Record{
		{ID: uuid.Must(uuid.NewV7()), ServiceID: testService, Status: records.StatusProcessing,
			Result: json.RawMessage(`{"token":"secret"}`)},
		{ID: uuid.Must(uuid.NewV7()), ServiceID: testService, Status: records.StatusSuccessful,
			Result: json.RawMessage(`{"text":"ok"}`)},
	}
	env.records.next = "next-page"

	rec := env.do(env.asUser(http.MethodGet,
		"/api/v1/services/STT/requests?payload=call-7&since=2024/07/06%2010:30&limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Requests   []map[string]json.RawMessage `json:"requests"`
		NextCursor string                       `json:"next_cursor"`
	}
	decode(t, rec, &body)
	if len(body.Requests) != 2 || body.NextCursor != "next-page" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if r := string(body.Requests[0]["result"]); r != "null" {
		t.Errorf("processing record leaked its token: %s", r)
	}
	if r := string(body.Requests[1]["result"]); r != `{"text":"ok"}` {
		t.Errorf("successful result = %s", r)
	}

	p := env.records.gotList
	if p.UserID != testUserID || p.ServiceID != testService || p.Payload != "call-7" || p.Limit != 2 {
		t.Errorf("list params = %+v", p)
	}
	if p.Since == nil || !p.Since.Equal(time.Date(2024, 7, 6, 10, 30, 0, 0, time.UTC)) {
		t.Errorf("since = %v", p.Since)
	}
}

func TestListRequestsErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		listErr    error
		wantStatus int
	}{
		{"unknown service", "/api/v1/services/NOPE/requests", nil, http.StatusNotFound},
		{"bad limit", "/api/v1/services/STT/requests?limit=0", nil, http.StatusBadRequest},
		{"bad since", "/api/v1/services/STT/requests?since=soon", nil, http.StatusBadRequest},
		{"bad cursor", "/api/v1/services/STT/requests?cursor=x",
			fmt.Errorf("invalid cursor: %w", pagination.ErrInvalidCursor), http.StatusBadRequest},
		{"store failure", "/api/v1/services/STT/requests", errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.records.listErr = tt.listErr
			rec := env.do(env.asUser(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestGetRequest(t *testing.T) {
	env := newTestEnv(t)
	mine := &records.Record{ID: uuid.Must(uuid.NewV7()), ServiceID: testService, UserID: testUserID,
		Status: records.StatusSuccessful, Result: json.RawMessage(`{"text":"ok"}`)}
	theirs := &records.Record{ID: uuid.Must(uuid.NewV7()), ServiceID: testService, UserID: "someone-else",
		Status: records.StatusSuccessful}
	env.records.byID[mine.ID] = mine
	env.records.byID[theirs.ID] = theirs

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{"own record", "/api/v1/services/STT/requests/" + mine.ID.String(), http.StatusOK},
		{"other user's record", "/api/v1/services/STT/requests/" + theirs.ID.String(), http.StatusNotFound},
		{"malformed id", "/api/v1/services/STT/requests/42", http.StatusNotFound},
		{"unknown service", "/api/v1/services/NOPE/requests/" + mine.ID.String(), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(env.asUser(http.MethodGet, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestCreditHistory(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.entries = []*ledger.Entry{{ID: 2, Amount: 300, ResultingBalance: 700}}

	rec := env.do(env.asUser(http.MethodGet, "/api/v1/credit-history?from=2024/07/01&to=2024/07/06", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Entries []ledger.Entry `json:"entries"`
	}
	decode(t, rec, &body)
	if len(body.Entries) != 1 || body.Entries[0].ResultingBalance != 700 {
		t.Errorf("entries = %+v", body.Entries)
	}

	p := env.ledger.got
	if p.UserID != testUserID {
		t.Errorf("user = %q", p.UserID)
	}
	if p.From == nil || !p.From.Equal(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("from = %v", p.From)
	}
	wantTo := time.Date(2024, 7, 7, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
	if p.To == nil || !p.To.Equal(wantTo) {
		t.Errorf("to = %v, want the end of the day", p.To)
	}

	future := time.Now().AddDate(0, 1, 0).Format("2006-01-02")
	rec = env.do(env.asUser(http.MethodGet, "/api/v1/credit-history?to="+future, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if env.ledger.got.To != nil {
		t.Errorf("a future bound should be ignored, got %v", env.ledger.got.To)
	}

	rec = env.do(env.asUser(http.MethodGet, "/api/v1/credit-history?cursor=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad cursor: expected 400, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Admin routes
// ---------------------------------------------------------------------------

func TestAdminRoutesRequireKey(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	if rec := env.do(req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/users", nil)
	req.Header.Set("X-Admin-Key", "guess")
	if rec := env.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong key: expected 403, got %d", rec.Code)
	}

	// A user key is not an admin key.
	req = env.asUser(http.MethodGet, "/api/v1/admin/users", nil)
	if rec := env.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("user key: expected 403, got %d", rec.Code)
	}

	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/users", "")); rec.Code != http.StatusOK {
		t.Fatalf("admin key: expected 200, got %d", rec.Code)
	}
}

func TestCreateUser(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"ok", `{"name":" Sara ","mobile":"09120000000","credit_threshold":100}`, http.StatusCreated},
		{"missing name", `{"mobile":"0912"}`, http.StatusUnprocessableEntity},
		{"negative threshold", `{"name":"Sara","credit_threshold":-1}`, http.StatusUnprocessableEntity},
		{"bad json", `{name`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/users", tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus != http.StatusCreated {
				if env.users.created != nil {
					t.Error("store should not be called for an invalid body")
				}
				return
			}
			var res user.CreateUserResult
			decode(t, rec, &res)
			if res.APIKey == "" || res.User.Name != "Sara" {
				t.Errorf("unexpected result: %+v", res)
			}
		})
	}
}

func TestGetUser(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/users/"+testUserID, "")); rec.Code != http.StatusOK {
		t.Fatalf("existing user: expected 200, got %d", rec.Code)
	}
	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/users/"+uuid.NewString(), "")); rec.Code != http.StatusNotFound {
		t.Fatalf("missing user: expected 404, got %d", rec.Code)
	}
	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/users/not-a-uuid", "")); rec.Code != http.StatusNotFound {
		t.Fatalf("malformed id: expected 404, got %d", rec.Code)
	}
}

func TestSetThreshold(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(asAdmin(http.MethodPut, "/api/v1/admin/users/"+testUserID+"/threshold", `{"credit_threshold":250}`))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.users.users[testUserID].CreditThreshold != 250 {
		t.Errorf("threshold = %d", env.users.users[testUserID].CreditThreshold)
	}
	if u := env.users.updated; u.Name != nil || u.RateLimit != nil {
		t.Errorf("only the threshold should change: %+v", u)
	}

	rec = env.do(asAdmin(http.MethodPut, "/api/v1/admin/users/"+testUserID+"/threshold", `{}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing threshold: expected 422, got %d", rec.Code)
	}
}

func TestAdjustCredit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		entry      *ledger.Entry
		err        error
		wantStatus int
	}{
		{"increase", `{"amount":500,"is_increase":true}`,
			&ledger.Entry{Amount: 500, IsIncrease: true, ResultingBalance: 1500}, nil, http.StatusCreated},
		{"zero amount", `{"amount":0}`, nil, user.ErrInvalidAdjustment, http.StatusUnprocessableEntity},
		{"too large decrease", `{"amount":5000}`, nil,
			&ledger.InsufficientCreditError{Required: 5000, Available: 1000}, http.StatusUnprocessableEntity},
		{"unknown user", `{"amount":5,"is_increase":true}`, nil, ledger.ErrUserNotFound, http.StatusNotFound},
		{"store failure", `{"amount":5,"is_increase":true}`, nil, errors.New("db down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.credit.entry = tt.entry
			env.credit.err = tt.err

			rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/users/"+testUserID+"/credit", tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
		})
	}
}

func TestRotateKey(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/users/"+testUserID+"/rotate-key", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["api_key"] != "pvb_rotated" {
		t.Errorf("api_key = %q", body["api_key"])
	}
}

func TestVerifyLedger(t *testing.T) {
	env := newTestEnv(t)
	env.ledger.report = &ledger.Report{UserID: testUserID, Entries: 3, StoredBalance: 700, ReplayBalance: 700}

	rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/users/"+testUserID+"/ledger/verify", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Consistent bool          `json:"consistent"`
		Report     ledger.Report `json:"report"`
	}
	decode(t, rec, &body)
	if !body.Consistent || body.Report.Entries != 3 {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestServiceCredential(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(asAdmin(http.MethodPut, "/api/v1/admin/services/STT/credential", `{"token":"gw-123"}`))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if env.catalog.cred == nil || env.catalog.cred.Token != "gw-123" {
		t.Errorf("credential = %+v", env.catalog.cred)
	}

	rec = env.do(asAdmin(http.MethodPut, "/api/v1/admin/services/STT/credential", `{"username":"only"}`))
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("partial credential: expected 422, got %d", rec.Code)
	}
}

func TestToggleService(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/services/STT/toggle", "")); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	env.catalog.err = catalog.ErrServiceNotFound
	if rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/services/NOPE/toggle", "")); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service: expected 404, got %d", rec.Code)
	}
}

func TestServicePrice(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		catalogErr error
		wantStatus int
	}{
		{"ok", `{"amount":60,"settings":[{"key":"each_second","value":"10"}]}`, nil, http.StatusOK},
		{"numeric value", `{"amount":60,"settings":[{"key":"each_second","value":10}]}`, nil, http.StatusOK},
		{"missing settings", `{"amount":60}`, nil, http.StatusUnprocessableEntity},
		{"extra property", `{"amount":60,"settings":[{"key":"each_second","value":"10","x":1}]}`, nil,
			http.StatusUnprocessableEntity},
		{"negative amount", `{"amount":-1,"settings":[]}`, nil, http.StatusUnprocessableEntity},
		{"rejected by validator", `{"amount":60,"settings":[{"key":"each_second","value":"0"}]}`,
			&pricing.InvalidSettingError{ServiceID: "STT", Key: "each_second", Reason: "must be positive"},
			http.StatusUnprocessableEntity},
		{"unknown service", `{"amount":60,"settings":[{"key":"each_second","value":"10"}]}`,
			catalog.ErrServiceNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.catalog.err = tt.catalogErr

			rec := env.do(asAdmin(http.MethodPut, "/api/v1/admin/services/STT/price", tt.body))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantStatus == http.StatusOK {
				def := env.catalog.setPrice
				if def.ServiceID != "STT" || def.Amount != 60 || len(def.Settings) != 1 || def.Settings[0].Key != "each_second" {
					t.Errorf("price = %+v", def)
				}
			}
		})
	}
}

func TestGetAndDeletePrice(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/services/STT/price", "")); rec.Code != http.StatusNotFound {
		t.Fatalf("no price: expected 404, got %d", rec.Code)
	}
	env.catalog.price = &pricing.PriceDefinition{ServiceID: "STT", Amount: 60}
	if rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/services/STT/price", "")); rec.Code != http.StatusOK {
		t.Fatalf("price: expected 200, got %d", rec.Code)
	}
	if rec := env.do(asAdmin(http.MethodDelete, "/api/v1/admin/services/STT/price", "")); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}
}

func TestReconcileNow(t *testing.T) {
	env := newTestEnv(t)
	env.recon.sum = broker.Summary{Scanned: 4, Completed: 2, Pending: 1, Failed: 1}

	rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/reconcile", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum broker.Summary
	decode(t, rec, &sum)
	if sum != env.recon.sum || env.recon.calls != 1 {
		t.Errorf("summary = %+v, calls = %d", sum, env.recon.calls)
	}

	env.recon.err = errors.New("db down")
	if rec := env.do(asAdmin(http.MethodPost, "/api/v1/admin/reconcile", "")); rec.Code != http.StatusInternalServerError {
		t.Fatalf("failing pass: expected 500, got %d", rec.Code)
	}
}

func TestRemoteCallSummary(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(asAdmin(http.MethodGet, "/api/v1/admin/remote-calls/summary?service_id=STT&op=poll&from=2024-07-01", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var sum metering.CallSummary
	decode(t, rec, &sum)
	if sum.TotalCalls != 3 {
		t.Errorf("summary = %+v", sum)
	}
	q := env.calls.got
	if q.ServiceID != "STT" || q.Op != "poll" || !q.From.Equal(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)) || !q.To.IsZero() {
		t.Errorf("query = %+v", q)
	}
}
