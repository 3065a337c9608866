package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/media"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/remote"
)

// fakeTx stages writes and applies them on Commit. Methods the fakes do not
// use fall through to the nil embedded interface and panic.
type fakeTx struct {
	pgx.Tx
	staged     []func()
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	for _, fn := range t.staged {
		fn()
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

// stage defers fn to commit when tx is a fakeTx, and runs it now otherwise.
func stage(tx pgx.Tx, fn func()) {
	if ft, ok := tx.(*fakeTx); ok {
		ft.staged = append(ft.staged, fn)
		return
	}
	fn()
}

type fakeDB struct {
	mu  sync.Mutex
	txs []*fakeTx
	// commitErr is set on every transaction begun.
	commitErr error
}

func (db *fakeDB) Begin(ctx context.Context) (pgx.Tx, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &fakeTx{commitErr: db.commitErr}
	db.txs = append(db.txs, tx)
	return tx, nil
}

func (db *fakeDB) last() *fakeTx {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.txs) == 0 {
		return nil
	}
	return db.txs[len(db.txs)-1]
}

// memRecords is an in-memory records.Repository.
type memRecords struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]*records.Record
	order   []uuid.UUID
	failGet bool
}

func newMemRecords() *memRecords {
	return &memRecords{byID: map[uuid.UUID]*records.Record{}}
}

func (m *memRecords) put(r *records.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	if _, ok := m.byID[r.ID]; !ok {
		m.order = append(m.order, r.ID)
	}
	m.byID[r.ID] = r
}

func (m *memRecords) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func (m *memRecords) snapshot(id uuid.UUID) *records.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

func (m *memRecords) Insert(ctx context.Context, tx pgx.Tx, r *records.Record) error {
	r.Status = records.StatusWaiting
	cp := *r
	stage(tx, func() { m.put(&cp) })
	return nil
}

func (m *memRecords) Get(ctx context.Context, id uuid.UUID) (*records.Record, error) {
	if r := m.snapshot(id); r != nil {
		return r, nil
	}
	return nil, records.ErrNotFound
}

func (m *memRecords) Claim(ctx context.Context, id uuid.UUID) (*records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.Status != records.StatusWaiting || r.DispatchedAt != nil {
		return nil, records.ErrNotClaimable
	}
	now := time.Now()
	r.DispatchedAt = &now
	cp := *r
	return &cp, nil
}

func (m *memRecords) MarkProcessing(ctx context.Context, id uuid.UUID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.Status != records.StatusWaiting {
		return records.ErrNotTransitions
	}
	r.Status = records.StatusProcessing
	r.Result = json.RawMessage(fmt.Sprintf(`{"token":%q}`, token))
	r.UpdatedAt = time.Now()
	return nil
}

func (m *memRecords) MarkSuccessful(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok || r.Status.Terminal() {
		return records.ErrNotTransitions
	}
	r.Status = records.StatusSuccessful
	r.Result = result
	return nil
}

func (m *memRecords) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) (*records.Record, error) {
	m.mu.Lock()
	r, ok := m.byID[id]
	if !ok || r.Status.Terminal() {
		m.mu.Unlock()
		return nil, records.ErrNotTransitions
	}
	cp := *r
	m.mu.Unlock()
	cp.Status = records.StatusFailed
	cp.Result = nil
	cp.FailureReason = reason
	stage(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.byID[id] = &cp
	})
	out := cp
	return &out, nil
}

func (m *memRecords) TouchPoll(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.byID[id]; ok && r.Status == records.StatusProcessing {
		r.PollAttempts++
	}
	return nil
}

func (m *memRecords) ListProcessing(ctx context.Context, p records.ScanParams) ([]*records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*records.Record
	for _, id := range m.order {
		r := m.byID[id]
		if r.ServiceID != p.ServiceID || r.Status != records.StatusProcessing {
			continue
		}
		if r.UpdatedAt.Before(p.AfterUpdated) || (r.UpdatedAt.Equal(p.AfterUpdated) && r.ID.String() <= p.AfterID.String()) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sortByUpdated(out)
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

func sortByUpdated(rs []*records.Record) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0; j-- {
			a, b := rs[j-1], rs[j]
			if a.UpdatedAt.After(b.UpdatedAt) || (a.UpdatedAt.Equal(b.UpdatedAt) && a.ID.String() > b.ID.String()) {
				rs[j-1], rs[j] = b, a
			}
		}
	}
}

func (m *memRecords) ListStaleWaiting(ctx context.Context, serviceID string, olderThan time.Time, limit int) ([]*records.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*records.Record
	for _, id := range m.order {
		r := m.byID[id]
		if r.ServiceID == serviceID && r.Status == records.StatusWaiting && r.CreatedAt.Before(olderThan) {
			cp := *r
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memLedger keeps balances and entries in memory and stages postings on
// the transaction like the real ledger does.
type memLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	entries  []ledger.Entry
	debitErr error
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[string]int64{}}
}

func (l *memLedger) balance(userID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[userID]
}

func (l *memLedger) entriesOf(typ string) []ledger.Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ledger.Entry
	for _, e := range l.entries {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (l *memLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[userID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return b, nil
}

func (l *memLedger) Debit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error) {
	l.mu.Lock()
	if l.debitErr != nil {
		l.mu.Unlock()
		return nil, l.debitErr
	}
	if available := l.balances[p.UserID]; available < p.Amount {
		l.mu.Unlock()
		return nil, &ledger.InsufficientCreditError{UserID: p.UserID, Required: p.Amount, Available: available}
	}
	l.mu.Unlock()
	e := ledger.Entry{UserID: p.UserID, Type: p.Type, Amount: p.Amount, Description: p.Description}
	stage(tx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances[p.UserID] -= p.Amount
		e.ResultingBalance = l.balances[p.UserID]
		l.entries = append(l.entries, e)
	})
	return &e, nil
}

func (l *memLedger) Credit(ctx context.Context, tx pgx.Tx, p ledger.Posting) (*ledger.Entry, error) {
	e := ledger.Entry{UserID: p.UserID, Type: p.Type, IsIncrease: true, Amount: p.Amount, Description: p.Description}
	stage(tx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances[p.UserID] += p.Amount
		e.ResultingBalance = l.balances[p.UserID]
		l.entries = append(l.entries, e)
	})
	return &e, nil
}

type memStorage struct {
	mu      sync.Mutex
	files   map[string][]byte
	n       int
	saveErr error
}

func newMemStorage() *memStorage {
	return &memStorage{files: map[string][]byte{}}
}

func (s *memStorage) Save(ctx context.Context, ext string, r io.Reader) (string, error) {
	if s.saveErr != nil {
		return "", s.saveErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	name := fmt.Sprintf("file-%d.%s", s.n, ext)
	s.files[name] = b
	return name, nil
}

func (s *memStorage) Open(name string) (io.ReadSeekCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.files[name]
	if !ok {
		return nil, errors.New("no such file")
	}
	return nopCloser{bytes.NewReader(b)}, nil
}

func (s *memStorage) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
	return nil
}

func (s *memStorage) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }

type fakeInspector struct {
	format   media.Format
	duration decimal.Decimal
	err      error
}

func (f fakeInspector) Detect(r io.Reader) (media.Format, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.format, nil
}

func (f fakeInspector) Duration(r io.ReadSeeker, format media.Format) (decimal.Decimal, error) {
	return f.duration, nil
}

type outboxCall struct {
	serviceID string
	recordID  uuid.UUID
}

type fakeOutbox struct {
	mu    sync.Mutex
	calls []outboxCall
	err   error
	// onCommit runs once the enqueuing transaction commits, like a worker
	// picking the job up immediately.
	onCommit func(serviceID string, recordID uuid.UUID)
}

func (o *fakeOutbox) EnqueueDispatch(ctx context.Context, tx pgx.Tx, serviceID string, recordID uuid.UUID) error {
	if o.err != nil {
		return o.err
	}
	stage(tx, func() {
		o.mu.Lock()
		o.calls = append(o.calls, outboxCall{serviceID, recordID})
		o.mu.Unlock()
		if o.onCommit != nil {
			o.onCommit(serviceID, recordID)
		}
	})
	return nil
}

func (o *fakeOutbox) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

type fakeServices struct {
	exec *catalog.Executable
	err  error
}

func (f *fakeServices) Resolve(ctx context.Context, id string) (*catalog.Executable, error) {
	return f.exec, f.err
}

func (f *fakeServices) Credential(ctx context.Context, id string) (catalog.Credential, error) {
	if f.err != nil {
		return catalog.Credential{}, f.err
	}
	return f.exec.Credential, nil
}

type fakeRemote struct {
	mu      sync.Mutex
	submits int
	sub     *remote.Submission
	subErr  error
	polls   map[string]*remote.PollResult
	pollErr map[string]error
}

func (f *fakeRemote) Submit(ctx context.Context, req remote.SubmitRequest) (*remote.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if req.Media != nil {
		io.Copy(io.Discard, req.Media)
	}
	return f.sub, f.subErr
}

func (f *fakeRemote) Poll(ctx context.Context, req remote.PollRequest) (*remote.PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pollErr[req.Token]; err != nil {
		return nil, err
	}
	if res, ok := f.polls[req.Token]; ok {
		return res, nil
	}
	return &remote.PollResult{State: remote.Pending}, nil
}

type recordingMetrics struct {
	mu            sync.Mutex
	rejections    []string
	compensations int
	runs          []string
}

func (m *recordingMetrics) ObservePipeline(serviceID, status string, charged int64, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, status)
}

func (m *recordingMetrics) IncPipelineRejection(serviceID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections = append(m.rejections, reason)
}

func (m *recordingMetrics) IncCompensation(serviceID, source string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compensations++
}

func (m *recordingMetrics) IncReconcileRun(status string)            {}
func (m *recordingMetrics) AddReconcileRecords(result string, n int) {}

const testService = "STT"

// harness wires a pipeline over in-memory fakes with one speech-to-text
// service priced at 60 credit per started 10 seconds.
type harness struct {
	db          *fakeDB
	records     *memRecords
	ledger      *memLedger
	storage     *memStorage
	outbox      *fakeOutbox
	services    *fakeServices
	remote      *fakeRemote
	inspector   *fakeInspector
	metrics     *recordingMetrics
	registry    *Registry
	compensator *Compensator
	dispatcher  *Dispatcher
	pipeline    *Pipeline
	shortMax    int
}

func newHarness(shortMax int) *harness {
	h := &harness{
		db:        &fakeDB{},
		records:   newMemRecords(),
		ledger:    newMemLedger(),
		storage:   newMemStorage(),
		outbox:    &fakeOutbox{},
		remote:    &fakeRemote{sub: &remote.Submission{Token: "token_1"}},
		inspector: &fakeInspector{format: media.FormatWAV, duration: decimal.NewFromInt(42)},
		metrics:   &recordingMetrics{},
		shortMax:  shortMax,
		services: &fakeServices{exec: &catalog.Executable{
			Definition: &catalog.ServiceDefinition{ID: testService, Active: true, Credential: "sealed"},
			Price: &pricing.PriceDefinition{
				ServiceID: testService,
				Amount:    60,
				Settings:  []pricing.Setting{{Key: pricing.SettingEachSecond, Value: decimal.NewFromInt(10)}},
			},
			Credential: catalog.Credential{Token: "gw"},
		}},
	}
	h.ledger.balances["u1"] = 1_000_000

	deps := ProcessorDeps{
		Ledger:             h.ledger,
		Balances:           h.ledger,
		Storage:            h.storage,
		Outbox:             h.outbox,
		ShortJobMaxSeconds: shortMax,
	}
	factories := map[string]Factory{
		KindSpeechToText: func(id string) (Binding, error) {
			return Binding{
				Validator:  pricing.PerSecondValidator{},
				Processor:  NewSpeechToText(deps, h.inspector),
				Repository: h.records,
				Remote:     h.remote,
			}, nil
		},
	}
	reg, err := NewRegistry([]ServiceSpec{{ID: testService, Kind: KindSpeechToText}}, factories)
	if err != nil {
		panic(err)
	}
	h.registry = reg
	h.compensator = NewCompensator(h.db, reg, h.ledger)
	h.compensator.SetMetrics(h.metrics)
	h.dispatcher = NewDispatcher(reg, h.storage, h.services, h.compensator)
	p, err := NewPipeline(PipelineOptions{Timeout: 5 * time.Second, Policy: ChargeOnSubmit}, reg, h.services, h.db, h.dispatcher)
	if err != nil {
		panic(err)
	}
	p.SetMetrics(h.metrics)
	h.pipeline = p
	return h
}

func audio(name string) Attachment {
	data := []byte("RIFF----WAVEfmt ")
	return Attachment{
		Filename: name,
		Size:     int64(len(data)),
		Open: func() (io.ReadSeekCloser, error) {
			return nopCloser{bytes.NewReader(data)}, nil
		},
	}
}

func (h *harness) request(atts ...Attachment) *Descriptor {
	return NewDescriptor(testService, "u1", map[string]string{"ref": "call-7"}, atts)
}
