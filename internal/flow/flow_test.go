package flow

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/lifeline-ph/sosflow/internal/counter"
	"github.com/lifeline-ph/sosflow/internal/geo"
	"github.com/lifeline-ph/sosflow/internal/models"
	"github.com/lifeline-ph/sosflow/internal/policy"
	"github.com/lifeline-ph/sosflow/internal/store"
)

// fakeTimer collects scheduled callbacks so tests can fire them manually.
type fakeTimer struct {
	mu        sync.Mutex
	nextID    int
	scheduled map[string]fakeTimerEntry
}

type fakeTimerEntry struct {
	delay time.Duration
	fn    func()
}

func newFakeTimer() *fakeTimer {
	return &fakeTimer{scheduled: make(map[string]fakeTimerEntry)}
}

func (t *fakeTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := "t" + strconv.Itoa(t.nextID)
	t.scheduled[id] = fakeTimerEntry{delay: delay, fn: fn}
	return id, nil
}

func (t *fakeTimer) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.scheduled, id)
	return nil
}

func (t *fakeTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scheduled = make(map[string]fakeTimerEntry)
}

// fireByDelay fires and removes the first pending callback scheduled with
// the given delay.
func (t *fakeTimer) fireByDelay(tb testing.TB, delay time.Duration) {
	tb.Helper()
	t.mu.Lock()
	var fn func()
	for id, e := range t.scheduled {
		if e.delay == delay {
			fn = e.fn
			delete(t.scheduled, id)
			break
		}
	}
	t.mu.Unlock()
	if fn == nil {
		tb.Fatalf("no pending timer with delay %v", delay)
	}
	fn()
}

// takeByDelay removes and returns a pending callback without firing it.
func (t *fakeTimer) takeByDelay(tb testing.TB, delay time.Duration) func() {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.scheduled {
		if e.delay == delay {
			delete(t.scheduled, id)
			return e.fn
		}
	}
	tb.Fatalf("no pending timer with delay %v", delay)
	return nil
}

func (t *fakeTimer) pendingWithDelay(delay time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.scheduled {
		if e.delay == delay {
			n++
		}
	}
	return n
}

// fakeProvider is a scripted location provider.
type fakeProvider struct {
	enabled    bool
	granted    bool
	current    *models.Location
	currentErr error
	last       *models.Location
}

func workingProvider() *fakeProvider {
	loc := &models.Location{Latitude: 14.5995, Longitude: 120.9842}
	return &fakeProvider{enabled: true, granted: true, current: loc, last: loc}
}

func (p *fakeProvider) ServicesEnabled(ctx context.Context) (bool, error)   { return p.enabled, nil }
func (p *fakeProvider) RequestPermission(ctx context.Context) (bool, error) { return p.granted, nil }
func (p *fakeProvider) PermissionStatus(ctx context.Context) (bool, error)  { return p.granted, nil }

func (p *fakeProvider) CurrentPosition(ctx context.Context, maxAge time.Duration) (*models.Location, error) {
	return p.current, p.currentErr
}

func (p *fakeProvider) LastKnownPosition(ctx context.Context) (*models.Location, error) {
	return p.last, nil
}

// chanNotifier delivers recorded reports to a channel for assertions.
type chanNotifier struct {
	reports chan models.SosReport
}

func (n *chanNotifier) ReportRecorded(ctx context.Context, r models.SosReport) error {
	n.reports <- r
	return nil
}

// failingReports wraps the in-memory store with a switchable write failure.
type failingReports struct {
	*store.InMemoryStore
	failAdd bool
}

func (f *failingReports) AddReport(r models.SosReport) (string, error) {
	if f.failAdd {
		return "", errors.New("disk full")
	}
	return f.InMemoryStore.AddReport(r)
}

type testEnv struct {
	flow     *Flow
	store    *store.InMemoryStore
	reports  *failingReports
	timer    *fakeTimer
	provider *fakeProvider
	notifier *chanNotifier
	counters *counter.UserStore
}

func newTestEnv(t *testing.T, profile *models.UserProfile) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	return newTestEnvWithStore(t, profile, st)
}

func newTestEnvWithStore(t *testing.T, profile *models.UserProfile, st *store.InMemoryStore) *testEnv {
	t.Helper()
	userID := ""
	if profile != nil {
		userID = profile.UserID
	}
	env := &testEnv{
		store:    st,
		reports:  &failingReports{InMemoryStore: st},
		timer:    newFakeTimer(),
		provider: workingProvider(),
		notifier: &chanNotifier{reports: make(chan models.SosReport, 4)},
		counters: counter.ForUser(st, userID),
	}
	env.flow = New(Config{
		Profile:      profile,
		StateManager: NewStoreBasedStateManager(st),
		Timer:        env.timer,
		Policy:       policy.NewEngine(env.counters, nil, ""),
		Matcher:      geo.NewMatcher(),
		Reports:      env.reports,
		Locations:    env.provider,
		Counters:     env.counters,
		Notifier:     env.notifier,
	})
	return env
}

func registeredProfile() *models.UserProfile {
	return &models.UserProfile{
		UserID:        "alice",
		FirstName:     "Alice",
		LastName:      "Reyes",
		ContactNumber: "+639171234567",
	}
}

func (env *testEnv) press(t *testing.T) *Notice {
	t.Helper()
	n, err := env.flow.Press(context.Background())
	if err != nil {
		t.Fatalf("Press: %v", err)
	}
	return n
}

func (env *testEnv) toConfirmPrompt(t *testing.T) {
	t.Helper()
	env.press(t)
	for i := 0; i < CountdownStart; i++ {
		env.timer.fireByDelay(t, DefaultCountdownInterval)
	}
	if got := env.flow.Snapshot().State; got != models.StateConfirmPrompt {
		t.Fatalf("state after countdown = %s, want %s", got, models.StateConfirmPrompt)
	}
}

func (env *testEnv) toTypeSelection(t *testing.T) {
	t.Helper()
	env.toConfirmPrompt(t)
	n, err := env.flow.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if n.Kind != NoticeTypeSelection {
		t.Fatalf("notice after confirm = %s, want %s", n.Kind, NoticeTypeSelection)
	}
}

func (env *testEnv) storedReports(t *testing.T) []models.SosReport {
	t.Helper()
	reports, err := env.store.ListRecentReports(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ListRecentReports: %v", err)
	}
	return reports
}

func TestPressStartsCountdown(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	n := env.press(t)
	if n.Kind != NoticeCountdownStarted {
		t.Errorf("notice = %s, want %s", n.Kind, NoticeCountdownStarted)
	}
	if n.Countdown != CountdownStart {
		t.Errorf("countdown = %d, want %d", n.Countdown, CountdownStart)
	}
	snap := env.flow.Snapshot()
	if snap.State != models.StateCountdown {
		t.Errorf("state = %s, want %s", snap.State, models.StateCountdown)
	}
	if env.timer.pendingWithDelay(DefaultUnverifiedTimeout) != 1 {
		t.Error("unverified timer should be armed at countdown start")
	}
}

func TestCountdownReachesConfirmPrompt(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.toConfirmPrompt(t)
	// The unverified timer stays armed through the confirm prompt.
	if env.timer.pendingWithDelay(DefaultUnverifiedTimeout) != 1 {
		t.Error("unverified timer must survive the countdown-to-prompt transition")
	}
}

func TestPressWithoutContactIsNotACancellation(t *testing.T) {
	env := newTestEnv(t, &models.UserProfile{UserID: "alice", FirstName: "Alice"})
	n := env.press(t)
	if n.Kind != NoticeContactRequired {
		t.Fatalf("notice = %s, want %s", n.Kind, NoticeContactRequired)
	}
	snap := env.flow.Snapshot()
	if snap.State != models.StateIdle {
		t.Errorf("state = %s, want %s", snap.State, models.StateIdle)
	}
	if snap.CancelCount != 0 {
		t.Errorf("contact gate must not count as a cancellation, count = %d", snap.CancelCount)
	}
}

func TestPressWithNilProfile(t *testing.T) {
	env := newTestEnv(t, nil)
	n := env.press(t)
	if n.Kind != NoticeContactRequired {
		t.Errorf("anonymous press should require a contact, got %s", n.Kind)
	}
}

func TestCancelDuringCountdown(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.press(t)
	n, err := env.flow.CancelCountdown(context.Background())
	if err != nil {
		t.Fatalf("CancelCountdown: %v", err)
	}
	if n.Kind != NoticeCancelled || n.CancelCount != 1 {
		t.Errorf("notice = %+v, want cancelled with count 1", n)
	}
	snap := env.flow.Snapshot()
	if snap.State != models.StateIdle {
		t.Errorf("state = %s, want %s", snap.State, models.StateIdle)
	}
	if env.timer.pendingWithDelay(DefaultUnverifiedTimeout) != 0 {
		t.Error("unverified timer should be disarmed on cancel")
	}
	if env.timer.pendingWithDelay(DefaultCountdownInterval) != 0 {
		t.Error("countdown timer should be disarmed on cancel")
	}
}

func TestRepeatedCancellationsEscalate(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()

	wantKinds := []NoticeKind{NoticeCancelled, NoticeCancelled, NoticeCancelWarning, NoticeCancelWarning, NoticeSuspended}
	for i, want := range wantKinds {
		env.press(t)
		n, err := env.flow.CancelCountdown(ctx)
		if err != nil {
			t.Fatalf("cancel %d: %v", i+1, err)
		}
		if n.Kind != want {
			t.Fatalf("cancel %d: notice = %s, want %s", i+1, n.Kind, want)
		}
	}

	// Now suspended: pressing is gated.
	n := env.press(t)
	if n.Kind != NoticeSuspended {
		t.Errorf("press while suspended = %s, want %s", n.Kind, NoticeSuspended)
	}
	if n.SuspendedUntil == nil {
		t.Error("suspended notice should carry the suspension end")
	}
	if env.flow.Snapshot().State != models.StateIdle {
		t.Error("suspended press must not start a countdown")
	}
}

func TestDeclineAtConfirmPromptCounts(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.toConfirmPrompt(t)
	n, err := env.flow.Decline(context.Background())
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if n.Kind != NoticeCancelled || n.CancelCount != 1 {
		t.Errorf("decline notice = %+v, want cancelled with count 1", n)
	}
}

func TestConfirmDisarmsUnverifiedTimer(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.toTypeSelection(t)
	if env.timer.pendingWithDelay(DefaultUnverifiedTimeout) != 0 {
		t.Error("unverified timer should be cancelled on confirm")
	}
}

func TestLocationFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.provider.current = nil
	env.provider.last = nil
	env.toConfirmPrompt(t)

	n, err := env.flow.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if n.Kind != NoticeLocationError || !n.Retryable {
		t.Fatalf("notice = %+v, want retryable location error", n)
	}
	if env.flow.Snapshot().State != models.StateLocating {
		t.Error("flow should stay in Locating after a location failure")
	}

	// The fix comes back; retry succeeds without any penalty.
	env.provider.current = &models.Location{Latitude: 14.5995, Longitude: 120.9842}
	n, err = env.flow.RetryLocation(context.Background())
	if err != nil {
		t.Fatalf("RetryLocation: %v", err)
	}
	if n.Kind != NoticeTypeSelection {
		t.Errorf("retry notice = %s, want %s", n.Kind, NoticeTypeSelection)
	}
	if env.flow.Snapshot().CancelCount != 0 {
		t.Error("location retries must not count as cancellations")
	}
}

func TestLocationDisabledMessage(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.provider.enabled = false
	env.toConfirmPrompt(t)
	n, err := env.flow.Confirm(context.Background())
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if n.Body != LocationDisabledMessage {
		t.Errorf("body = %q, want %q", n.Body, LocationDisabledMessage)
	}
}

func TestCancelLocationNoPenalty(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.provider.current = nil
	env.provider.last = nil
	env.toConfirmPrompt(t)
	if _, err := env.flow.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	n, err := env.flow.CancelLocation(context.Background())
	if err != nil {
		t.Fatalf("CancelLocation: %v", err)
	}
	if n.Kind != NoticeCancelled {
		t.Errorf("notice = %s, want %s", n.Kind, NoticeCancelled)
	}
	snap := env.flow.Snapshot()
	if snap.State != models.StateIdle || snap.CancelCount != 0 {
		t.Errorf("abandoning at location must not be penalized: %+v", snap)
	}
}

func TestSubmitRecordsSingleReport(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)

	if _, err := env.flow.SelectCategory(ctx, models.CategoryFire); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	n, err := env.flow.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n.Kind != NoticeReassurance || n.Title != ReassureTitleConfirmed {
		t.Errorf("notice = %+v, want confirmed reassurance", n)
	}
	if n.PossibleDuplicate {
		t.Error("first report should not be flagged as a duplicate")
	}

	reports := env.storedReports(t)
	if len(reports) != 1 {
		t.Fatalf("stored %d reports, want exactly 1", len(reports))
	}
	r := reports[0]
	if r.Category == nil || *r.Category != models.CategoryFire {
		t.Errorf("category = %v, want Fire", r.Category)
	}
	if r.Status != models.ReportStatusPending || !r.Verified {
		t.Errorf("report status = %s verified = %v, want pending/true", r.Status, r.Verified)
	}
	if r.SubmitterID != "alice" || r.ContactNumber != "+639171234567" {
		t.Errorf("submitter fields mismatch: %+v", r)
	}
	if r.Location == nil {
		t.Error("verified report must carry coordinates")
	}
	if env.flow.Snapshot().State != models.StateReassurance {
		t.Error("flow should rest in Reassurance after submission")
	}
}

func TestSubmitResetsCancelCount(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		env.press(t)
		if _, err := env.flow.CancelCountdown(ctx); err != nil {
			t.Fatalf("cancel: %v", err)
		}
	}
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryMedical); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := env.flow.Snapshot().CancelCount; got != 0 {
		t.Errorf("cancel count after success = %d, want 0", got)
	}
}

func TestSubmitOtherRequiresDetail(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryOther); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}

	if _, err := env.flow.Submit(ctx); !errors.Is(err, models.ErrMissingOtherDetail) {
		t.Fatalf("Submit without detail: err = %v, want ErrMissingOtherDetail", err)
	}
	if err := env.flow.SetOtherDetail(ctx, "   "); err != nil {
		t.Fatalf("SetOtherDetail: %v", err)
	}
	if _, err := env.flow.Submit(ctx); !errors.Is(err, models.ErrMissingOtherDetail) {
		t.Fatalf("Submit with blank detail: err = %v, want ErrMissingOtherDetail", err)
	}

	if err := env.flow.SetOtherDetail(ctx, "trapped in an elevator"); err != nil {
		t.Fatalf("SetOtherDetail: %v", err)
	}
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	reports := env.storedReports(t)
	if len(reports) != 1 || reports[0].CategoryDetail != "trapped in an elevator" {
		t.Errorf("report detail mismatch: %+v", reports)
	}
}

func TestOtherDetailLengthLimit(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryOther); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	long := make([]byte, models.MaxOtherDetailLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if err := env.flow.SetOtherDetail(ctx, string(long)); !errors.Is(err, models.ErrOtherDetailTooLong) {
		t.Errorf("err = %v, want ErrOtherDetailTooLong", err)
	}
}

func TestInvalidCategoryRejected(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(context.Background(), "Earthquake"); !errors.Is(err, models.ErrInvalidCategory) {
		t.Errorf("err = %v, want ErrInvalidCategory", err)
	}
}

func TestDraftSurvivesRestart(t *testing.T) {
	st := store.NewInMemoryStore()
	env := newTestEnvWithStore(t, registeredProfile(), st)
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryOther); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if err := env.flow.SetOtherDetail(ctx, "rising flood water"); err != nil {
		t.Fatalf("SetOtherDetail: %v", err)
	}

	// A fresh flow over the same store, as after an app restart.
	env2 := newTestEnvWithStore(t, registeredProfile(), st)
	env2.toTypeSelection(t)
	n, err := env2.flow.SelectCategory(ctx, models.CategoryOther)
	if err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if n.Draft != "rising flood water" {
		t.Errorf("restored draft = %q, want %q", n.Draft, "rising flood water")
	}
}

func TestSubmitClearsDraft(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryOther); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if err := env.flow.SetOtherDetail(ctx, "gas leak"); err != nil {
		t.Fatalf("SetOtherDetail: %v", err)
	}
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if v, _ := env.counters.Get(counter.KindOtherDraft); v != "" {
		t.Errorf("draft should be cleared after submission, got %q", v)
	}
}

func TestCancelTypeClearsDraft(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryOther); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if err := env.flow.SetOtherDetail(ctx, "abandoned"); err != nil {
		t.Fatalf("SetOtherDetail: %v", err)
	}
	n, err := env.flow.CancelType(ctx)
	if err != nil {
		t.Fatalf("CancelType: %v", err)
	}
	if n.Kind != NoticeCancelled {
		t.Errorf("notice = %s, want %s", n.Kind, NoticeCancelled)
	}
	if v, _ := env.counters.Get(counter.KindOtherDraft); v != "" {
		t.Errorf("explicit type cancel should clear the draft, got %q", v)
	}
	if env.flow.Snapshot().CancelCount != 0 {
		t.Error("type cancel must not count as a flow cancellation")
	}
}

func TestDuplicateDetectionOnSubmit(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	cat := models.CategoryFire
	// An existing report at the same spot moments ago.
	if _, err := env.store.AddReport(models.SosReport{
		Category:    &cat,
		Location:    &models.Location{Latitude: 14.5995, Longitude: 120.9842},
		SubmittedAt: time.Now().Add(-time.Minute),
		Status:      models.ReportStatusPending,
	}); err != nil {
		t.Fatalf("AddReport: %v", err)
	}

	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryFire); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	n, err := env.flow.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if !n.PossibleDuplicate || n.Title != ReassureTitleDuplicate {
		t.Errorf("notice = %+v, want duplicate reassurance", n)
	}

	reports := env.storedReports(t)
	if len(reports) != 2 {
		t.Fatalf("stored %d reports, want 2 (duplicates are still recorded)", len(reports))
	}
	var dupStatus models.ReportStatus
	for _, r := range reports {
		if r.SubmitterID == "alice" {
			dupStatus = r.Status
		}
	}
	if dupStatus != models.ReportStatusPossibleDuplicate {
		t.Errorf("new report status = %s, want %s", dupStatus, models.ReportStatusPossibleDuplicate)
	}
}

func TestReportWriteFailureReturnsToTypeSelection(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryCrime); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}

	env.reports.failAdd = true
	n, err := env.flow.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n.Kind != NoticeSendError || !n.Retryable {
		t.Fatalf("notice = %+v, want retryable send error", n)
	}
	if env.flow.Snapshot().State != models.StateTypeSelection {
		t.Error("failed submission should return to type selection")
	}
	if len(env.storedReports(t)) != 0 {
		t.Error("failed submission must not record a report")
	}

	// Retrying after the store recovers succeeds.
	env.reports.failAdd = false
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit retry: %v", err)
	}
	if len(env.storedReports(t)) != 1 {
		t.Error("retried submission should record exactly one report")
	}
}

func TestUnverifiedTimeoutRecordsReport(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.press(t)

	env.timer.fireByDelay(t, DefaultUnverifiedTimeout)

	reports := env.storedReports(t)
	if len(reports) != 1 {
		t.Fatalf("stored %d reports, want 1", len(reports))
	}
	r := reports[0]
	if r.Category != nil {
		t.Errorf("unverified report category = %v, want nil", r.Category)
	}
	if r.Status != models.ReportStatusUnverified || r.Verified {
		t.Errorf("status = %s verified = %v, want unverified/false", r.Status, r.Verified)
	}
	if r.Location == nil {
		t.Error("cached last-known position should be attached when available")
	}

	snap := env.flow.Snapshot()
	if snap.State != models.StateReassurance {
		t.Errorf("state = %s, want %s", snap.State, models.StateReassurance)
	}
	n := snap.LastNotice
	if n == nil || n.Kind != NoticeReassurance || !n.Unverified {
		t.Fatalf("notice = %+v, want unverified reassurance", n)
	}
	if n.Location != nil {
		t.Error("coordinates must never be shown for unverified alerts")
	}
	if n.Title != ReassureTitleUnverified {
		t.Errorf("title = %q, want %q", n.Title, ReassureTitleUnverified)
	}
	if snap.CancelCount != 0 {
		t.Error("the unverified path must not touch the cancel count")
	}
}

func TestUnverifiedTimeoutWithoutCachedFix(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.provider.last = nil
	env.press(t)
	env.timer.fireByDelay(t, DefaultUnverifiedTimeout)

	reports := env.storedReports(t)
	if len(reports) != 1 {
		t.Fatalf("stored %d reports, want 1", len(reports))
	}
	if reports[0].Location != nil {
		t.Error("report location should be nil when no cached fix exists")
	}
}

func TestStaleUnverifiedTimerIsNoOp(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.press(t)
	stale := env.timer.takeByDelay(t, DefaultUnverifiedTimeout)

	// The user confirms and proceeds; the old timer fires late.
	for i := 0; i < CountdownStart; i++ {
		env.timer.fireByDelay(t, DefaultCountdownInterval)
	}
	if _, err := env.flow.Confirm(context.Background()); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	stale()

	if got := env.flow.Snapshot().State; got != models.StateTypeSelection {
		t.Errorf("stale timer changed state to %s", got)
	}
	if len(env.storedReports(t)) != 0 {
		t.Error("stale unverified timer must not record a report")
	}
}

func TestStaleCountdownTickIsNoOp(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	env.press(t)
	stale := env.timer.takeByDelay(t, DefaultCountdownInterval)

	if _, err := env.flow.CancelCountdown(context.Background()); err != nil {
		t.Fatalf("CancelCountdown: %v", err)
	}
	stale()

	if got := env.flow.Snapshot().State; got != models.StateIdle {
		t.Errorf("stale tick changed state to %s", got)
	}
}

func TestDismissReturnsToIdle(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryMedical); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	n, err := env.flow.Dismiss(ctx)
	if err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if n.Kind != NoticeDismissed {
		t.Errorf("notice = %s, want %s", n.Kind, NoticeDismissed)
	}
	if env.flow.Snapshot().State != models.StateIdle {
		t.Error("dismiss should return the flow to Idle")
	}
}

func TestNotifierReceivesRecordedReport(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()
	env.toTypeSelection(t)
	if _, err := env.flow.SelectCategory(ctx, models.CategoryFire); err != nil {
		t.Fatalf("SelectCategory: %v", err)
	}
	if _, err := env.flow.Submit(ctx); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case r := <-env.notifier.reports:
		if r.Category == nil || *r.Category != models.CategoryFire {
			t.Errorf("notified category = %v, want Fire", r.Category)
		}
		if r.ID == "" {
			t.Error("notified report should carry its stored ID")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a responder notification")
	}
}

func TestEventsRejectedInWrongState(t *testing.T) {
	env := newTestEnv(t, registeredProfile())
	ctx := context.Background()

	if _, err := env.flow.Confirm(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Confirm from Idle: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.flow.Submit(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Submit from Idle: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.flow.Dismiss(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Dismiss from Idle: err = %v, want ErrInvalidTransition", err)
	}

	env.press(t)
	if _, err := env.flow.Press(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Press during countdown: err = %v, want ErrInvalidTransition", err)
	}
	if _, err := env.flow.Decline(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Decline during countdown: err = %v, want ErrInvalidTransition", err)
	}
}

func TestIntroSeenFlag(t *testing.T) {
	st := store.NewInMemoryStore()
	env := newTestEnvWithStore(t, registeredProfile(), st)
	if env.flow.Snapshot().IntroSeen {
		t.Error("intro should start unseen")
	}
	env.flow.MarkIntroSeen()
	if !env.flow.Snapshot().IntroSeen {
		t.Error("intro flag should be set after MarkIntroSeen")
	}
	// The flag persists for the next flow over the same store.
	env2 := newTestEnvWithStore(t, registeredProfile(), st)
	if !env2.flow.Snapshot().IntroSeen {
		t.Error("intro flag should persist across restarts")
	}
}
