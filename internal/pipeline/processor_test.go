package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Belladihno/email-service/internal/clients"
	"github.com/Belladihno/email-service/internal/clock"
	"github.com/Belladihno/email-service/internal/domain"
	"github.com/Belladihno/email-service/internal/provider"
	"github.com/Belladihno/email-service/internal/repository"
	"github.com/Belladihno/email-service/internal/retry"
)

type fakeGuard struct {
	skip bool
	err  error
}

func (g *fakeGuard) ShouldSkip(ctx context.Context, requestID string) (bool, error) {
	return g.skip, g.err
}

type fakeLogs struct {
	mu      sync.Mutex
	records map[string]*domain.EmailLog
	failAll bool
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{records: make(map[string]*domain.EmailLog)}
}

func (f *fakeLogs) Create(ctx context.Context, log *domain.EmailLog) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return false, errors.New("db down")
	}
	if _, ok := f.records[log.RequestID]; ok {
		return false, nil
	}
	cp := *log
	f.records[log.RequestID] = &cp
	return true, nil
}

func (f *fakeLogs) GetByRequestID(ctx context.Context, requestID string) (*domain.EmailLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("db down")
	}
	record, ok := f.records[requestID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (f *fakeLogs) UpdateEmail(ctx context.Context, requestID string, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errors.New("db down")
	}
	if record, ok := f.records[requestID]; ok {
		record.Email = email
	}
	return nil
}

func (f *fakeLogs) MarkDelivered(ctx context.Context, requestID string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.records[requestID]; ok && record.Status == domain.NotificationStatusPending {
		record.Status = domain.NotificationStatusDelivered
		record.SentAt = &sentAt
	}
	return nil
}

func (f *fakeLogs) MarkFailed(ctx context.Context, requestID string, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.records[requestID]; ok && record.Status == domain.NotificationStatusPending {
		record.Status = domain.NotificationStatusFailed
		record.ErrorMessage = &errorMessage
	}
	return nil
}

func (f *fakeLogs) IncrementRetry(ctx context.Context, requestID string, errorMessage string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[requestID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	record.RetryCount++
	record.ErrorMessage = &errorMessage
	return record.RetryCount, nil
}

func (f *fakeLogs) Summary(ctx context.Context) (*repository.StatusSummary, error) {
	return &repository.StatusSummary{Counts: map[domain.NotificationStatus]int64{}}, nil
}

func (f *fakeLogs) get(requestID string) *domain.EmailLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.records[requestID]; ok {
		cp := *record
		return &cp
	}
	return nil
}

type fakeRenderer struct {
	rendered domain.RenderedNotification
	err      error
	calls    int
}

func (r *fakeRenderer) RenderForUser(ctx context.Context, req clients.RenderRequest) (domain.RenderedNotification, error) {
	r.calls++
	return r.rendered, r.err
}

type fakeUsers struct {
	user  domain.User
	err   error
	calls int
}

func (u *fakeUsers) GetByID(ctx context.Context, userID, correlationID string) (domain.User, error) {
	u.calls++
	return u.user, u.err
}

type fakeTemplates struct {
	template domain.Template
	err      error
}

func (t *fakeTemplates) GetByCode(ctx context.Context, code, correlationID string) (domain.Template, error) {
	return t.template, t.err
}

func (t *fakeTemplates) Render(template domain.Template, variables domain.TemplateVariables) (string, string) {
	return template.Subject, template.Body
}

type notification struct {
	delivered      bool
	notificationID string
	reason         string
}

type fakeNotifier struct {
	ch chan notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan notification, 8)}
}

func (n *fakeNotifier) NotifyDelivered(ctx context.Context, notificationID, correlationID string) {
	n.ch <- notification{delivered: true, notificationID: notificationID}
}

func (n *fakeNotifier) NotifyFailed(ctx context.Context, notificationID, errorMessage, correlationID string) {
	n.ch <- notification{delivered: false, notificationID: notificationID, reason: errorMessage}
}

func (n *fakeNotifier) wait(t *testing.T) notification {
	t.Helper()
	select {
	case got := <-n.ch:
		return got
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status callback")
		return notification{}
	}
}

type fakeProvider struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []provider.Email
}

func (p *fakeProvider) Name() string { return "sendgrid" }

func (p *fakeProvider) Send(ctx context.Context, email provider.Email) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, email)
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		return err
	}
	return nil
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// passthroughBreaker runs the operation directly.
type passthroughBreaker struct{}

func (passthroughBreaker) Execute(ctx context.Context, name string, op func() error) error {
	return op()
}

// immediateScheduler runs retries synchronously, recording each delay.
type immediateScheduler struct {
	delays []time.Duration
}

func (s *immediateScheduler) Schedule(ctx context.Context, delay time.Duration, task func(context.Context)) {
	s.delays = append(s.delays, delay)
	task(ctx)
}

type testHarness struct {
	processor *Processor
	guard     *fakeGuard
	logs      *fakeLogs
	renderer  *fakeRenderer
	users     *fakeUsers
	templates *fakeTemplates
	notifier  *fakeNotifier
	provider  *fakeProvider
	scheduler *immediateScheduler
}

func newHarness() *testHarness {
	h := &testHarness{
		guard: &fakeGuard{},
		logs:  newFakeLogs(),
		renderer: &fakeRenderer{
			rendered: domain.RenderedNotification{
				Email:           "ada@example.com",
				Subject:         "Welcome",
				Body:            "<p>Hi Ada</p>",
				UserPreferences: domain.UserPreferences{Email: true},
			},
		},
		users:     &fakeUsers{},
		templates: &fakeTemplates{},
		notifier:  newFakeNotifier(),
		provider:  &fakeProvider{},
		scheduler: &immediateScheduler{},
	}
	h.processor = NewProcessor(ProcessorDeps{
		Guard:     h.guard,
		Logs:      h.logs,
		Renderer:  h.renderer,
		Users:     h.users,
		Templates: h.templates,
		Notifier:  h.notifier,
		Provider:  h.provider,
		Breaker:   passthroughBreaker{},
		Policy:    retry.Policy{InitialDelay: time.Second, MaxDelay: 32 * time.Second, MaxAttempts: 5},
		Clock:     &clock.MockClock{NowTime: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}).WithScheduler(h.scheduler)
	return h
}

func testMessage() domain.NotificationMessage {
	return domain.NotificationMessage{
		NotificationType: domain.NotificationTypeEmail,
		UserID:           "u1",
		TemplateCode:     "welcome_email",
		Variables:        domain.TemplateVariables{Name: "Ada", Link: "https://example.com"},
		RequestID:        "req-1",
	}
}

func TestProcessor_SuccessPath(t *testing.T) {
	h := newHarness()

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", h.provider.callCount())
	}
	record := h.logs.get("req-1")
	if record == nil {
		t.Fatal("no delivery record created")
	}
	if record.Status != domain.NotificationStatusDelivered {
		t.Errorf("status = %q, want delivered", record.Status)
	}
	if record.SentAt == nil {
		t.Error("sent_at not set")
	}
	if record.Email != "ada@example.com" {
		t.Errorf("record email = %q, want resolved address", record.Email)
	}

	callback := h.notifier.wait(t)
	if !callback.delivered {
		t.Error("expected delivered callback")
	}
	if callback.notificationID != record.NotificationID {
		t.Errorf("callback id = %q, want %q", callback.notificationID, record.NotificationID)
	}
}

func TestProcessor_DuplicateSkipped(t *testing.T) {
	h := newHarness()
	h.guard.skip = true

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 0 {
		t.Error("duplicate must not reach the provider")
	}
	if h.logs.get("req-1") != nil {
		t.Error("duplicate must not create a record")
	}
}

func TestProcessor_InvalidMessageRejected(t *testing.T) {
	h := newHarness()
	msg := testMessage()
	msg.RequestID = ""

	err := h.processor.Process(context.Background(), msg)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
	if h.provider.callCount() != 0 {
		t.Error("invalid message must not reach the provider")
	}
}

func TestProcessor_GuardErrorProcessesAnyway(t *testing.T) {
	h := newHarness()
	h.guard.err = errors.New("redis down")

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.provider.callCount() != 1 {
		t.Error("guard outage must not drop the message")
	}
	h.notifier.wait(t)
}

func TestProcessor_ChannelDisabledIsTerminal(t *testing.T) {
	h := newHarness()
	h.renderer.rendered.UserPreferences.Email = false

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 0 {
		t.Error("disabled channel must not dispatch")
	}
	if len(h.scheduler.delays) != 0 {
		t.Error("disabled channel must not schedule a retry")
	}
	record := h.logs.get("req-1")
	if record.Status != domain.NotificationStatusFailed {
		t.Errorf("status = %q, want failed", record.Status)
	}
	if record.Email != "ada@example.com" {
		t.Errorf("record email = %q, want resolved address even on terminal outcome", record.Email)
	}
	callback := h.notifier.wait(t)
	if callback.delivered {
		t.Error("expected failed callback")
	}
	if callback.reason != domain.ErrChannelDisabled.Error() {
		t.Errorf("reason = %q", callback.reason)
	}
}

func TestProcessor_TransientFailureRetriesWithBackoff(t *testing.T) {
	h := newHarness()
	h.provider.errs = []error{
		errors.New("timeout"),
		errors.New("timeout"),
	}

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3 (initial + 2 retries)", h.provider.callCount())
	}
	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	if len(h.scheduler.delays) != len(wantDelays) {
		t.Fatalf("delays = %v, want %v", h.scheduler.delays, wantDelays)
	}
	for i, want := range wantDelays {
		if h.scheduler.delays[i] != want {
			t.Errorf("delay[%d] = %v, want %v", i, h.scheduler.delays[i], want)
		}
	}

	record := h.logs.get("req-1")
	if record.Status != domain.NotificationStatusDelivered {
		t.Errorf("status = %q, want delivered after retries", record.Status)
	}
	if record.RetryCount != 2 {
		t.Errorf("retry_count = %d, want 2", record.RetryCount)
	}
}

func TestProcessor_RetriesExhausted(t *testing.T) {
	h := newHarness()
	for i := 0; i < 10; i++ {
		h.provider.errs = append(h.provider.errs, fmt.Errorf("timeout %d", i))
	}

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 5 {
		t.Errorf("provider calls = %d, want 5 (max attempts)", h.provider.callCount())
	}
	record := h.logs.get("req-1")
	if record.Status != domain.NotificationStatusFailed {
		t.Errorf("status = %q, want failed", record.Status)
	}
	if record.RetryCount != 5 {
		t.Errorf("retry_count = %d, want 5", record.RetryCount)
	}
	callback := h.notifier.wait(t)
	if callback.delivered {
		t.Error("expected failed callback")
	}
}

func TestProcessor_ProviderRejectionIsTerminal(t *testing.T) {
	h := newHarness()
	h.provider.errs = []error{fmt.Errorf("%w: status 400", provider.ErrRejected)}

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry on rejection)", h.provider.callCount())
	}
	if len(h.scheduler.delays) != 0 {
		t.Error("rejection must not schedule a retry")
	}
	record := h.logs.get("req-1")
	if record.Status != domain.NotificationStatusFailed {
		t.Errorf("status = %q, want failed", record.Status)
	}
	h.notifier.wait(t)
}

func TestProcessor_RenderFallbackToSplitLookups(t *testing.T) {
	h := newHarness()
	h.renderer.err = domain.ErrRenderUnavailable
	h.users.user = domain.User{
		ID:          "u1",
		Email:       "ada@example.com",
		Preferences: domain.UserPreferences{Email: true},
	}
	h.templates.template = domain.Template{Subject: "Welcome", Body: "Hi"}

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.users.calls != 1 {
		t.Errorf("user lookups = %d, want 1", h.users.calls)
	}
	if h.provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", h.provider.callCount())
	}
	h.provider.mu.Lock()
	sent := h.provider.sent[0]
	h.provider.mu.Unlock()
	if sent.To != "ada@example.com" || sent.Subject != "Welcome" {
		t.Errorf("sent = %+v", sent)
	}
	h.notifier.wait(t)
}

func TestProcessor_UnknownUserIsTerminal(t *testing.T) {
	h := newHarness()
	h.renderer.err = domain.ErrRenderUnavailable
	h.users.err = domain.ErrNotFound

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if h.provider.callCount() != 0 {
		t.Error("unknown user must not dispatch")
	}
	if len(h.scheduler.delays) != 0 {
		t.Error("unknown user must not schedule a retry")
	}
	record := h.logs.get("req-1")
	if record.Status != domain.NotificationStatusFailed {
		t.Errorf("status = %q, want failed", record.Status)
	}
	h.notifier.wait(t)
}

func TestProcessor_TerminalRecordNotRedelivered(t *testing.T) {
	h := newHarness()
	now := time.Now()
	h.logs.records["req-1"] = &domain.EmailLog{
		RequestID: "req-1",
		Status:    domain.NotificationStatusDelivered,
		SentAt:    &now,
	}

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.provider.callCount() != 0 {
		t.Error("terminal record must not dispatch again")
	}
}

func TestProcessor_RecordFailureDoesNotBlockDelivery(t *testing.T) {
	h := newHarness()
	h.logs.failAll = true

	if err := h.processor.Process(context.Background(), testMessage()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.provider.callCount() != 1 {
		t.Error("database outage must not drop the notification")
	}
}
