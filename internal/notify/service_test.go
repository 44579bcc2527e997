package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fintalk-labs/fintalk-client/internal/backend"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/notifystore"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
)

type fakeFetcher struct {
	invoices     backend.UnpaidInvoicesPage
	invoicesErr  error
	recurring    backend.RecurringPage
	recurringErr error
}

func (f *fakeFetcher) UnpaidInvoices(context.Context, int, int) (backend.UnpaidInvoicesPage, error) {
	return f.invoices, f.invoicesErr
}

func (f *fakeFetcher) RecurringSameDay(context.Context, int, bool) (backend.RecurringPage, error) {
	return f.recurring, f.recurringErr
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []protocol.Notification
}

func (p *recordingPublisher) Publish(_ string, v any) error {
	n, ok := v.(protocol.Notification)
	if !ok {
		return errors.New("unexpected payload type")
	}
	p.mu.Lock()
	p.events = append(p.events, n)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) published() []protocol.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]protocol.Notification(nil), p.events...)
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T, fetcher Fetcher) (*Service, *recordingPublisher) {
	t.Helper()
	cfg := config.NotificationsConfig{
		Enabled:         true,
		StorePath:       filepath.Join(t.TempDir(), "notifications.db"),
		PollIntervalMS:  60000,
		InvoicePageSize: 50,
		RecurringDays:   90,
	}
	store, err := notifystore.Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pub := &recordingPublisher{}
	svc := NewService(context.Background(), cfg, fetcher, store, pub, newLogger())
	t.Cleanup(svc.Close)
	return svc, pub
}

func TestPollPublishesFreshNotifications(t *testing.T) {
	fetcher := &fakeFetcher{
		invoices: backend.UnpaidInvoicesPage{
			Count: 1,
			Items: []backend.UnpaidInvoice{{
				ID:             "INV2-XYZ",
				Number:         "0042",
				AmountValue:    "120.00",
				AmountCurrency: "EUR",
				PayURL:         "https://pay.example/INV2-XYZ",
			}},
		},
		recurring: backend.RecurringPage{
			Count: 1,
			Items: []backend.RecurringPayment{{
				Key:     "gym_membership",
				Pattern: "recurring: last 3 months",
				Dates:   backend.RecurringDates{LastMonth: "2026-07-30"},
			}},
		},
	}
	svc, pub := newTestService(t, fetcher)

	svc.pollOnce(context.Background())

	events := pub.published()
	if len(events) != 2 {
		t.Fatalf("expected 2 notifications, got %d", len(events))
	}
	if events[0].Kind != protocol.NotificationUnpaidInvoice {
		t.Fatalf("unexpected first kind %q", events[0].Kind)
	}
	if events[0].Title != "Invoice 0042 is unpaid" {
		t.Fatalf("unexpected title %q", events[0].Title)
	}
	if events[1].Kind != protocol.NotificationRecurringPayment {
		t.Fatalf("unexpected second kind %q", events[1].Kind)
	}
}

func TestRecurringNotificationTitle(t *testing.T) {
	got := recurringNotification(backend.RecurringPayment{
		Key:         "gym_membership",
		Pattern:     "recurring: last 3 months",
		Description: "Gym membership",
		Dates:       backend.RecurringDates{LastMonth: "2026-07-30"},
	})
	if got.Title != "recurring: last 3 months: Gym membership" {
		t.Fatalf("unexpected title %q", got.Title)
	}

	blank := recurringNotification(backend.RecurringPayment{Key: "rent", Pattern: "recurring: last 2 months"})
	if blank.Title != "recurring: last 2 months: (no description)" {
		t.Fatalf("unexpected title %q", blank.Title)
	}
}

func TestPollDeduplicatesAcrossRuns(t *testing.T) {
	fetcher := &fakeFetcher{
		invoices: backend.UnpaidInvoicesPage{
			Count: 1,
			Items: []backend.UnpaidInvoice{{ID: "INV2-XYZ", Number: "0042"}},
		},
	}
	svc, pub := newTestService(t, fetcher)

	svc.pollOnce(context.Background())
	svc.pollOnce(context.Background())

	if got := len(pub.published()); got != 1 {
		t.Fatalf("expected a single published notification, got %d", got)
	}
}

func TestPollSurvivesBackendErrors(t *testing.T) {
	fetcher := &fakeFetcher{
		invoicesErr: errors.New("backend unreachable"),
		recurring: backend.RecurringPage{
			Count: 1,
			Items: []backend.RecurringPayment{{Key: "rent", Pattern: "recurring: last 2 months"}},
		},
	}
	svc, pub := newTestService(t, fetcher)

	svc.pollOnce(context.Background())

	events := pub.published()
	if len(events) != 1 {
		t.Fatalf("expected recurring notification despite invoice failure, got %d", len(events))
	}
	if events[0].Kind != protocol.NotificationRecurringPayment {
		t.Fatalf("unexpected kind %q", events[0].Kind)
	}
}
