// Package notify pages Barangay responders over SMS when an SOS report is
// recorded. Delivery is best effort: the flow never waits on it and a
// failure never unwinds a recorded report.
package notify

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"log/slog"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/lifeline-ph/sosflow/internal/models"
)

// Opts holds configuration options for the Twilio SMS notifier.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
	Recipients []string
}

// Option defines a configuration option for the Twilio SMS notifier.
type Option func(*Opts)

func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// WithRecipients sets the responder numbers paged on every report.
func WithRecipients(numbers []string) Option {
	return func(o *Opts) { o.Recipients = numbers }
}

// TwilioNotifier sends one SMS per responder number for each report.
type TwilioNotifier struct {
	client     *twilio.RestClient
	from       string
	recipients []string
}

// NewTwilioNotifier builds a notifier from options, falling back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and
// SOS_RESPONDER_NUMBERS (comma separated) environment variables.
func NewTwilioNotifier(opts ...Option) (*TwilioNotifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if len(cfg.Recipients) == 0 {
		cfg.Recipients = splitNumbers(os.Getenv("SOS_RESPONDER_NUMBERS"))
	}
	slog.Debug("Twilio notifier config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "",
		"recipients", len(cfg.Recipients))

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("from number must be provided")
	}
	if len(cfg.Recipients) == 0 {
		return nil, fmt.Errorf("at least one responder number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	return &TwilioNotifier{
		client:     client,
		from:       cfg.From,
		recipients: cfg.Recipients,
	}, nil
}

// ReportRecorded pages every configured responder number. Per-recipient
// failures are logged and the first one is returned after all sends are
// attempted.
func (n *TwilioNotifier) ReportRecorded(ctx context.Context, r models.SosReport) error {
	body := FormatReport(r)
	var firstErr error
	for _, to := range n.recipients {
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(to)
		params.SetFrom(n.from)
		params.SetBody(body)

		if _, err := n.client.Api.CreateMessage(params); err != nil {
			slog.Error("Twilio notify failed", "to", to, "report", r.ID, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to notify %s: %w", to, err)
			}
			continue
		}
		slog.Debug("Twilio notify sent", "to", to, "report", r.ID)
	}
	return firstErr
}

// FormatReport renders the responder SMS body for a report. Unverified
// reports are flagged and carry no reporter-visible detail beyond the
// cached position, which responders do need.
func FormatReport(r models.SosReport) string {
	var b strings.Builder
	if r.Status == models.ReportStatusUnverified {
		b.WriteString("UNCONFIRMED SOS")
	} else {
		b.WriteString("SOS: ")
		if r.Category != nil {
			b.WriteString(strings.ToUpper(string(*r.Category)))
		}
	}
	if r.CategoryDetail != "" {
		fmt.Fprintf(&b, " (%s)", r.CategoryDetail)
	}
	name := strings.TrimSpace(r.FirstName + " " + r.LastName)
	if name != "" {
		fmt.Fprintf(&b, "\nFrom: %s", name)
	}
	if r.ContactNumber != "" {
		fmt.Fprintf(&b, " %s", r.ContactNumber)
	}
	if r.Location != nil {
		fmt.Fprintf(&b, "\nAt: %.6f, %.6f", r.Location.Latitude, r.Location.Longitude)
	} else {
		b.WriteString("\nAt: location unavailable")
	}
	fmt.Fprintf(&b, "\n%s", r.SubmittedAt.Format(time.RFC1123))
	if r.Status == models.ReportStatusPossibleDuplicate {
		b.WriteString("\nPossible duplicate of a recent report")
	}
	return b.String()
}

// MockNotifier records reports for tests.
type MockNotifier struct {
	Reports []models.SosReport
	Err     error
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{Reports: []models.SosReport{}}
}

func (m *MockNotifier) ReportRecorded(ctx context.Context, r models.SosReport) error {
	m.Reports = append(m.Reports, r)
	return m.Err
}

func splitNumbers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
