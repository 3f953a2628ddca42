// Package flow implements the SOS submission state machine: the gated
// countdown, the explicit confirmation, location acquisition, category
// selection, duplicate-aware submission, and the unverified fallback path.
//
// The flow owns one authoritative current state per user. Every timer is
// created with a cancellation handle and its callback is guarded by the
// session or state-entry epoch it was armed under, so a timer that outlives
// its state never fires a transition.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lifeline-ph/sosflow/internal/counter"
	"github.com/lifeline-ph/sosflow/internal/geo"
	"github.com/lifeline-ph/sosflow/internal/location"
	"github.com/lifeline-ph/sosflow/internal/models"
	"github.com/lifeline-ph/sosflow/internal/policy"
)

// Flow timing constants.
const (
	// CountdownStart is the number of seconds counted down before the
	// confirm prompt appears.
	CountdownStart = 3
	// DefaultCountdownInterval is the tick interval of the countdown.
	DefaultCountdownInterval = time.Second
	// DefaultUnverifiedTimeout is how long the user has from the start of
	// the countdown to confirm before an unverified report is recorded.
	DefaultUnverifiedTimeout = 60 * time.Second
	// notifyTimeout bounds each best-effort responder notification.
	notifyTimeout = 15 * time.Second
)

// ErrInvalidTransition is returned when an event does not apply to the
// flow's current state.
var ErrInvalidTransition = errors.New("event not valid in current state")

// NoticeKind classifies user-facing flow notices.
type NoticeKind string

const (
	NoticeCountdownStarted NoticeKind = "countdown_started"
	NoticeConfirmPrompt    NoticeKind = "confirm_prompt"
	NoticeCancelled        NoticeKind = "cancelled"
	NoticeCancelWarning    NoticeKind = "cancel_warning"
	NoticeSuspended        NoticeKind = "suspended"
	NoticeContactRequired  NoticeKind = "contact_required"
	NoticeLocationError    NoticeKind = "location_error"
	NoticeTypeSelection    NoticeKind = "type_selection"
	NoticeCategorySelected NoticeKind = "category_selected"
	NoticeDraftSaved       NoticeKind = "draft_saved"
	NoticeSendError        NoticeKind = "send_error"
	NoticeReassurance      NoticeKind = "reassurance"
	NoticeDismissed        NoticeKind = "dismissed"
)

// Notice is the user-facing outcome of a flow event.
type Notice struct {
	Kind              NoticeKind       `json:"kind"`
	Title             string           `json:"title,omitempty"`
	Body              string           `json:"body,omitempty"`
	Countdown         int              `json:"countdown,omitempty"`
	CancelCount       int              `json:"cancel_count,omitempty"`
	CancelThreshold   int              `json:"cancel_threshold,omitempty"`
	SuspendedUntil    *time.Time       `json:"suspended_until,omitempty"`
	Retryable         bool             `json:"retryable,omitempty"`
	PossibleDuplicate bool             `json:"possible_duplicate,omitempty"`
	Unverified        bool             `json:"unverified,omitempty"`
	Location          *models.Location `json:"location,omitempty"`
	Draft             string           `json:"draft,omitempty"`
}

// Snapshot is the externally visible flow state.
type Snapshot struct {
	State            models.StateType `json:"state"`
	Countdown        int              `json:"countdown,omitempty"`
	CancelCount      int              `json:"cancel_count"`
	SuspendedUntil   *time.Time       `json:"suspended_until,omitempty"`
	SelectedCategory *models.Category `json:"selected_category,omitempty"`
	OtherDetail      string           `json:"other_detail,omitempty"`
	IntroSeen        bool             `json:"intro_seen"`
	LastNotice       *Notice          `json:"last_notice,omitempty"`
}

// Config holds the collaborators of a Flow.
type Config struct {
	Profile      *models.UserProfile // nil when unauthenticated
	StateManager StateManager
	Timer        Timer
	Policy       *policy.Engine
	Matcher      *geo.Matcher
	Reports      ReportStore
	Locations    location.Provider
	Counters     *counter.UserStore
	Notifier     Notifier // optional
}

// Flow drives one user's SOS submission. Events arrive from API handlers
// and timer callbacks; the mutex serializes them into the single-threaded
// discipline the state machine assumes.
type Flow struct {
	mu           sync.Mutex
	userID       string
	profile      *models.UserProfile
	stateManager StateManager
	timer        Timer
	policy       *policy.Engine
	matcher      *geo.Matcher
	reports      ReportStore
	locations    location.Provider
	counters     *counter.UserStore
	notifier     Notifier

	now               func() time.Time
	countdownInterval time.Duration
	unverifiedTimeout time.Duration

	state             models.StateType
	epoch             uint64 // bumped on every state entry; guards countdown ticks
	session           uint64 // bumped on every Press; guards the unverified timer
	locAttempt        uint64 // bumped per acquisition attempt; stale results are discarded
	countdown         int
	countdownTimerID  string
	unverifiedTimerID string
	coords            *models.Location
	selectedCategory  *models.Category
	otherDetail       string
	lastSentLocation  *models.Location
	lastUnverified    bool
	lastNotice        *Notice
}

// New creates a Flow in the Idle state. Any flow state persisted by a
// previous process is reset; only counters and the draft survive restarts.
func New(cfg Config) *Flow {
	f := &Flow{
		userID:            cfg.Counters.UserID(),
		profile:           cfg.Profile,
		stateManager:      cfg.StateManager,
		timer:             cfg.Timer,
		policy:            cfg.Policy,
		matcher:           cfg.Matcher,
		reports:           cfg.Reports,
		locations:         cfg.Locations,
		counters:          cfg.Counters,
		notifier:          cfg.Notifier,
		now:               time.Now,
		countdownInterval: DefaultCountdownInterval,
		unverifiedTimeout: DefaultUnverifiedTimeout,
		state:             models.StateIdle,
	}
	if f.matcher == nil {
		f.matcher = geo.NewMatcher()
	}
	ctx := context.Background()
	if err := f.stateManager.ResetState(ctx, f.userID, models.FlowTypeSos); err != nil {
		slog.Warn("flow: could not reset persisted state", "user", f.userID, "error", err)
	}
	f.persistState(ctx)
	return f
}

// Press handles the user's primary action from Idle: the gate checks, then
// the countdown.
func (f *Flow) Press(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateIdle {
		return nil, ErrInvalidTransition
	}

	access := f.policy.CheckAccess(f.now())
	if !access.Allowed {
		until := access.Until
		return f.noticed(&Notice{
			Kind:           NoticeSuspended,
			Title:          SuspendedTitle,
			Body:           SuspendedBody,
			SuspendedUntil: &until,
		}), nil
	}

	if !f.profile.HasContact() {
		// Not a cancellation: the user never entered the flow.
		return f.noticed(&Notice{
			Kind:  NoticeContactRequired,
			Title: ContactRequiredTitle,
			Body:  ContactRequiredBody,
		}), nil
	}

	f.session++
	f.setState(ctx, models.StateCountdown)
	f.countdown = CountdownStart
	f.setStateData(ctx, models.DataKeyCountdownValue, strconv.Itoa(f.countdown))
	f.armCountdownTick(ctx)
	f.armUnverifiedTimer(ctx)
	slog.Info("flow: countdown started", "user", f.userID)
	return f.noticed(&Notice{Kind: NoticeCountdownStarted, Countdown: f.countdown}), nil
}

// CancelCountdown aborts the flow during the countdown. Counts as a
// cancellation.
func (f *Flow) CancelCountdown(ctx context.Context) (*Notice, error) {
	return f.abort(ctx, models.StateCountdown)
}

// Decline aborts the flow at the confirm prompt. Counts as a cancellation.
func (f *Flow) Decline(ctx context.Context) (*Notice, error) {
	return f.abort(ctx, models.StateConfirmPrompt)
}

// Confirm accepts the confirm prompt and starts location acquisition.
// The countdown is not re-run.
func (f *Flow) Confirm(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	if f.state != models.StateConfirmPrompt {
		f.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	f.cancelUnverifiedTimer(ctx)
	f.setState(ctx, models.StateLocating)
	f.mu.Unlock()
	return f.acquireLocation(ctx)
}

// RetryLocation re-runs location acquisition after a retryable failure.
func (f *Flow) RetryLocation(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	if f.state != models.StateLocating {
		f.mu.Unlock()
		return nil, ErrInvalidTransition
	}
	f.mu.Unlock()
	return f.acquireLocation(ctx)
}

// CancelLocation abandons the flow during location acquisition. This is a
// technical failure, not user abandonment: no cancellation is recorded.
func (f *Flow) CancelLocation(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateLocating {
		return nil, ErrInvalidTransition
	}
	f.coords = nil
	f.setState(ctx, models.StateIdle)
	return f.noticed(&Notice{Kind: NoticeCancelled}), nil
}

// SelectCategory records the emergency category during type selection.
// Selecting Other loads any previously saved draft.
func (f *Flow) SelectCategory(ctx context.Context, cat models.Category) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateTypeSelection {
		return nil, ErrInvalidTransition
	}
	if !models.IsValidCategory(cat) {
		return nil, models.ErrInvalidCategory
	}
	f.selectedCategory = &cat
	f.setStateData(ctx, models.DataKeySelectedCategory, string(cat))
	n := &Notice{Kind: NoticeCategorySelected}
	if cat == models.CategoryOther {
		draft, err := f.counters.Get(counter.KindOtherDraft)
		if err != nil {
			slog.Warn("flow: could not load draft", "user", f.userID, "error", err)
		} else if draft != "" {
			f.otherDetail = draft
			n.Draft = draft
		}
	}
	return f.noticed(n), nil
}

// SetOtherDetail updates the free-text description for Other reports and
// persists it as a draft. An empty text removes the persisted draft.
func (f *Flow) SetOtherDetail(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateTypeSelection {
		return ErrInvalidTransition
	}
	if len(text) > models.MaxOtherDetailLength {
		return models.ErrOtherDetailTooLong
	}
	f.otherDetail = text
	// Draft persistence failures never block the emergency flow.
	var err error
	if text == "" {
		err = f.counters.Remove(counter.KindOtherDraft)
	} else {
		err = f.counters.Set(counter.KindOtherDraft, text)
	}
	if err != nil {
		slog.Warn("flow: could not persist draft", "user", f.userID, "error", err)
	}
	return nil
}

// CancelType abandons the flow at type selection, clearing the draft.
// No cancellation is recorded.
func (f *Flow) CancelType(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateTypeSelection {
		return nil, ErrInvalidTransition
	}
	f.clearDraft()
	f.selectedCategory = nil
	f.coords = nil
	f.setState(ctx, models.StateIdle)
	return f.noticed(&Notice{Kind: NoticeCancelled}), nil
}

// Submit finalizes the verified path: duplicate scan, report write, counter
// reset, reassurance. A write failure leaves the flow back at type
// selection so the user can retry; nothing is partially recorded.
func (f *Flow) Submit(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateTypeSelection {
		return nil, ErrInvalidTransition
	}
	if f.selectedCategory == nil {
		return nil, models.ErrInvalidCategory
	}
	if f.coords == nil {
		return nil, location.ErrUnavailable
	}
	cat := *f.selectedCategory
	detail := ""
	if cat == models.CategoryOther {
		detail = strings.TrimSpace(f.otherDetail)
		if detail == "" {
			return nil, models.ErrMissingOtherDetail
		}
	}

	f.setState(ctx, models.StateSubmitting)
	now := f.now()
	dup := f.scanDuplicates(cat, *f.coords, now)
	status := models.ReportStatusPending
	if dup {
		status = models.ReportStatusPossibleDuplicate
	}

	report := f.baseReport(now)
	report.Category = &cat
	report.CategoryDetail = detail
	report.Location = f.coords
	report.Status = status
	report.Verified = true

	id, err := f.reports.AddReport(report)
	if err != nil {
		slog.Error("flow: report write failed", "user", f.userID, "error", err)
		f.setState(ctx, models.StateTypeSelection)
		return f.noticed(&Notice{Kind: NoticeSendError, Body: SendErrorMessage, Retryable: true}), nil
	}
	report.ID = id
	slog.Info("flow: report recorded", "user", f.userID, "report", id, "status", status)

	f.policy.RecordSuccess()
	f.clearDraft()
	f.lastSentLocation = f.coords
	f.lastUnverified = false
	f.selectedCategory = nil
	f.coords = nil
	f.notify(report)
	f.setState(ctx, models.StateReassurance)

	title, body := ReassureTitleConfirmed, ReassureBodyConfirmed
	if dup {
		title, body = ReassureTitleDuplicate, ReassureBodyDuplicate
	}
	return f.noticed(&Notice{
		Kind:              NoticeReassurance,
		Title:             title,
		Body:              body,
		PossibleDuplicate: dup,
		Location:          f.lastSentLocation,
	}), nil
}

// Dismiss closes the reassurance message. The flow only leaves Reassurance
// on explicit dismissal.
func (f *Flow) Dismiss(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != models.StateReassurance {
		return nil, ErrInvalidTransition
	}
	f.setState(ctx, models.StateIdle)
	return f.noticed(&Notice{Kind: NoticeDismissed}), nil
}

// Snapshot returns the externally visible flow state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := Snapshot{
		State:            f.state,
		CancelCount:      f.policy.CancelCount(),
		SelectedCategory: f.selectedCategory,
		OtherDetail:      f.otherDetail,
		IntroSeen:        f.introSeen(),
		LastNotice:       f.lastNotice,
	}
	if f.state == models.StateCountdown {
		snap.Countdown = f.countdown
	}
	if until := f.policy.SuspendedUntil(); !until.IsZero() {
		snap.SuspendedUntil = &until
	}
	return snap
}

// MarkIntroSeen persists that the user has seen the intro instructions.
func (f *Flow) MarkIntroSeen() {
	if err := f.counters.Set(counter.KindIntroShown, "1"); err != nil {
		slog.Warn("flow: could not persist intro flag", "user", f.userID, "error", err)
	}
}

// Teardown cancels all timers owned by the flow. In-flight location or
// store calls resolve against a bumped session and are discarded.
func (f *Flow) Teardown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx := context.Background()
	f.cancelCountdownTimer(ctx)
	f.cancelUnverifiedTimer(ctx)
	f.session++
}

// abort handles a penalized user cancellation from the given state.
func (f *Flow) abort(ctx context.Context, expect models.StateType) (*Notice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != expect {
		return nil, ErrInvalidTransition
	}
	f.cancelCountdownTimer(ctx)
	f.cancelUnverifiedTimer(ctx)
	f.setState(ctx, models.StateIdle)

	outcome := f.policy.RecordCancellation(f.now())
	switch outcome.Kind {
	case policy.OutcomeWarn:
		return f.noticed(&Notice{
			Kind:            NoticeCancelWarning,
			Title:           WarningTitle,
			CancelCount:     outcome.Count,
			CancelThreshold: policy.SuspendThreshold,
		}), nil
	case policy.OutcomeSuspend:
		until := outcome.Until
		return f.noticed(&Notice{
			Kind:           NoticeSuspended,
			Title:          SuspendedTitle,
			Body:           SuspendedBody,
			SuspendedUntil: &until,
		}), nil
	default:
		return f.noticed(&Notice{Kind: NoticeCancelled, CancelCount: outcome.Count}), nil
	}
}

// acquireLocation runs one acquisition attempt. The result only applies if
// the flow is still in Locating and no newer attempt has started.
func (f *Flow) acquireLocation(ctx context.Context) (*Notice, error) {
	f.mu.Lock()
	f.locAttempt++
	attempt := f.locAttempt
	session := f.session
	f.mu.Unlock()

	loc, err := location.Acquire(ctx, f.locations)

	f.mu.Lock()
	defer f.mu.Unlock()
	if attempt != f.locAttempt || session != f.session || f.state != models.StateLocating {
		// The flow moved on while this attempt was in flight; discard.
		return nil, nil
	}
	if err != nil {
		return f.noticed(&Notice{Kind: NoticeLocationError, Body: locationErrorMessage(err), Retryable: true}), nil
	}
	f.coords = loc
	f.setState(ctx, models.StateTypeSelection)
	return f.noticed(&Notice{Kind: NoticeTypeSelection}), nil
}

// recordUnverified is the unverified timer callback: the user did not
// confirm in time, so a category-less unverified report is recorded with a
// best-effort cached location and no location disclosure.
func (f *Flow) recordUnverified(session uint64) {
	ctx := context.Background()
	f.mu.Lock()
	if session != f.session || (f.state != models.StateCountdown && f.state != models.StateConfirmPrompt) {
		// Stale timer; the flow already left the confirm stage.
		f.mu.Unlock()
		return
	}
	f.cancelCountdownTimer(ctx)
	f.unverifiedTimerID = ""
	f.setState(ctx, models.StateSubmitting)
	f.mu.Unlock()

	loc := location.BestEffortLastKnown(ctx, f.locations)

	f.mu.Lock()
	defer f.mu.Unlock()
	if session != f.session || f.state != models.StateSubmitting {
		return
	}
	report := f.baseReport(f.now())
	report.Location = loc
	report.Status = models.ReportStatusUnverified

	id, err := f.reports.AddReport(report)
	if err != nil {
		slog.Error("flow: could not record unverified report", "user", f.userID, "error", err)
		f.setState(ctx, models.StateIdle)
		f.noticed(&Notice{Kind: NoticeSendError, Body: UnverifiedSendErrorMessage, Retryable: true})
		return
	}
	report.ID = id
	slog.Info("flow: unverified report recorded", "user", f.userID, "report", id)

	f.lastUnverified = true
	if loc != nil {
		f.lastSentLocation = loc
	}
	f.notify(report)
	f.setState(ctx, models.StateReassurance)
	// Coordinates are never shown for unverified alerts.
	f.noticed(&Notice{
		Kind:       NoticeReassurance,
		Title:      ReassureTitleUnverified,
		Body:       ReassureBodyUnverified,
		Unverified: true,
	})
}

// countdownTick advances the countdown by one second.
func (f *Flow) countdownTick(epoch uint64) {
	ctx := context.Background()
	f.mu.Lock()
	defer f.mu.Unlock()
	if epoch != f.epoch || f.state != models.StateCountdown {
		// Stale timer for a state the flow already left.
		return
	}
	f.countdown--
	f.setStateData(ctx, models.DataKeyCountdownValue, strconv.Itoa(f.countdown))
	if f.countdown <= 0 {
		f.countdownTimerID = ""
		f.setStateData(ctx, models.DataKeyCountdownTimerID, "")
		// Countdown finished: require the explicit second confirmation.
		f.setState(ctx, models.StateConfirmPrompt)
		f.noticed(&Notice{Kind: NoticeConfirmPrompt})
		return
	}
	f.armCountdownTick(ctx)
}

func (f *Flow) armCountdownTick(ctx context.Context) {
	epoch := f.epoch
	id, err := f.timer.ScheduleAfter(f.countdownInterval, func() { f.countdownTick(epoch) })
	if err != nil {
		slog.Error("flow: could not arm countdown timer", "user", f.userID, "error", err)
		return
	}
	f.countdownTimerID = id
	f.setStateData(ctx, models.DataKeyCountdownTimerID, id)
}

func (f *Flow) armUnverifiedTimer(ctx context.Context) {
	session := f.session
	id, err := f.timer.ScheduleAfter(f.unverifiedTimeout, func() { f.recordUnverified(session) })
	if err != nil {
		slog.Error("flow: could not arm unverified timer", "user", f.userID, "error", err)
		return
	}
	f.unverifiedTimerID = id
	f.setStateData(ctx, models.DataKeyUnverifiedTimerID, id)
}

func (f *Flow) cancelCountdownTimer(ctx context.Context) {
	if f.countdownTimerID == "" {
		return
	}
	if err := f.timer.Cancel(f.countdownTimerID); err != nil {
		slog.Warn("flow: could not cancel countdown timer", "user", f.userID, "error", err)
	}
	f.countdownTimerID = ""
	f.setStateData(ctx, models.DataKeyCountdownTimerID, "")
}

func (f *Flow) cancelUnverifiedTimer(ctx context.Context) {
	if f.unverifiedTimerID == "" {
		return
	}
	if err := f.timer.Cancel(f.unverifiedTimerID); err != nil {
		slog.Warn("flow: could not cancel unverified timer", "user", f.userID, "error", err)
	}
	f.unverifiedTimerID = ""
	f.setStateData(ctx, models.DataKeyUnverifiedTimerID, "")
}

// scanDuplicates reads the recent report window and applies the proximity
// matcher. A read failure is logged and treated as no duplicates; it must
// never block a genuine emergency.
func (f *Flow) scanDuplicates(cat models.Category, loc models.Location, now time.Time) bool {
	recent, err := f.reports.ListRecentReports(now.Add(-f.matcher.Window))
	if err != nil {
		slog.Warn("flow: duplicate scan failed, proceeding without", "user", f.userID, "error", err)
		return false
	}
	return f.matcher.IsDuplicate(geo.Candidate{Category: cat, Location: loc}, recent, now)
}

// baseReport fills the submitter fields shared by the verified and
// unverified paths.
func (f *Flow) baseReport(now time.Time) models.SosReport {
	r := models.SosReport{SubmittedAt: now}
	if f.profile != nil {
		r.SubmitterID = f.profile.UserID
		r.FirstName = f.profile.FirstName
		r.LastName = f.profile.LastName
		r.ContactNumber = f.profile.ContactNumber
	}
	return r
}

// notify pages responders about a recorded report without blocking the flow.
func (f *Flow) notify(r models.SosReport) {
	if f.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := f.notifier.ReportRecorded(ctx, r); err != nil {
			slog.Warn("flow: responder notification failed", "report", r.ID, "error", err)
		}
	}()
}

func (f *Flow) introSeen() bool {
	v, err := f.counters.Get(counter.KindIntroShown)
	return err == nil && v != ""
}

// clearDraft removes the Other draft from memory and persistence.
func (f *Flow) clearDraft() {
	f.otherDetail = ""
	if err := f.counters.Remove(counter.KindOtherDraft); err != nil {
		slog.Warn("flow: could not clear draft", "user", f.userID, "error", err)
	}
}

// setState enters a new state, invalidating timers armed under the old one.
func (f *Flow) setState(ctx context.Context, st models.StateType) {
	f.state = st
	f.epoch++
	f.persistState(ctx)
}

func (f *Flow) persistState(ctx context.Context) {
	if err := f.stateManager.SetCurrentState(ctx, f.userID, models.FlowTypeSos, f.state); err != nil {
		slog.Warn("flow: could not persist state", "user", f.userID, "state", f.state, "error", err)
	}
}

func (f *Flow) setStateData(ctx context.Context, key models.DataKey, value string) {
	if err := f.stateManager.SetStateData(ctx, f.userID, models.FlowTypeSos, key, value); err != nil {
		slog.Warn("flow: could not persist state data", "user", f.userID, "key", key, "error", err)
	}
}

// noticed records and returns the latest user-facing notice.
func (f *Flow) noticed(n *Notice) *Notice {
	f.lastNotice = n
	return n
}

func locationErrorMessage(err error) string {
	switch {
	case errors.Is(err, location.ErrServicesDisabled):
		return LocationDisabledMessage
	case errors.Is(err, location.ErrPermissionDenied):
		return LocationPermissionMessage
	default:
		return LocationUnavailableMessage
	}
}
