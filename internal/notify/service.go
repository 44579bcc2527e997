package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fintalk-labs/fintalk-client/internal/backend"
	"github.com/fintalk-labs/fintalk-client/internal/bus"
	"github.com/fintalk-labs/fintalk-client/internal/config"
	"github.com/fintalk-labs/fintalk-client/internal/notifystore"
	"github.com/fintalk-labs/fintalk-client/internal/protocol"
)

// Fetcher is the slice of the backend client the poller needs.
type Fetcher interface {
	UnpaidInvoices(ctx context.Context, page, pageSize int) (backend.UnpaidInvoicesPage, error)
	RecurringSameDay(ctx context.Context, days int, refresh bool) (backend.RecurringPage, error)
}

// Service polls the backend for invoice and payment events, stores what it
// has not seen before, and publishes fresh items for the notifications panel.
type Service struct {
	cfg     config.NotificationsConfig
	fetcher Fetcher
	store   *notifystore.Store
	pub     bus.Publisher
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(parent context.Context, cfg config.NotificationsConfig, fetcher Fetcher, store *notifystore.Store, pub bus.Publisher, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		fetcher: fetcher,
		store:   store,
		pub:     pub,
		logger:  log.With(slog.String("component", "notify-service")),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Duration(s.cfg.PollIntervalMS) * time.Millisecond)
	defer ticker.Stop()

	s.pollOnce(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(s.ctx)
		}
	}
}

// pollOnce fetches both feeds. A failing feed is logged and skipped; the
// poller itself never stops on backend errors.
func (s *Service) pollOnce(ctx context.Context) {
	s.pollInvoices(ctx)
	s.pollRecurring(ctx)
	if err := s.store.Prune(ctx); err != nil {
		s.logger.Warn("failed to prune notification store", slogError(err))
	}
}

func (s *Service) pollInvoices(ctx context.Context) {
	page, err := s.fetcher.UnpaidInvoices(ctx, 1, s.cfg.InvoicePageSize)
	if err != nil {
		s.logger.Warn("failed to fetch unpaid invoices", slogError(err))
		return
	}
	for _, invoice := range page.Items {
		s.emit(ctx, invoiceNotification(invoice))
	}
}

func (s *Service) pollRecurring(ctx context.Context) {
	page, err := s.fetcher.RecurringSameDay(ctx, s.cfg.RecurringDays, s.cfg.RecurringRefresh)
	if err != nil {
		s.logger.Warn("failed to fetch recurring payments", slogError(err))
		return
	}
	for _, item := range page.Items {
		s.emit(ctx, recurringNotification(item))
	}
}

func (s *Service) emit(ctx context.Context, n protocol.Notification) {
	fresh, err := s.store.Record(ctx, n)
	if err != nil {
		s.logger.Warn("failed to record notification", slogError(err))
		return
	}
	if !fresh {
		return
	}
	if err := s.pub.Publish(protocol.SubjectNotification, n); err != nil {
		s.logger.Warn("failed to publish notification", slogError(err))
		return
	}
	s.logger.Info("notification surfaced",
		slog.String("kind", n.Kind),
		slog.String("key", n.Key))
}

func invoiceNotification(invoice backend.UnpaidInvoice) protocol.Notification {
	number := invoice.Number
	if number == "" {
		number = invoice.ID
	}
	return protocol.Notification{
		Key:      "invoice:" + invoice.ID,
		Kind:     protocol.NotificationUnpaidInvoice,
		Title:    fmt.Sprintf("Invoice %s is unpaid", number),
		Body:     invoice.Description,
		Amount:   invoice.AmountValue,
		Currency: invoice.AmountCurrency,
		PayURL:   invoice.PayURL,
	}
}

func recurringNotification(item backend.RecurringPayment) protocol.Notification {
	description := item.Description
	if description == "" {
		description = "(no description)"
	}
	return protocol.Notification{
		Key:      fmt.Sprintf("recurring:%s:%s", item.Key, item.Dates.LastMonth),
		Kind:     protocol.NotificationRecurringPayment,
		Title:    fmt.Sprintf("%s: %s", item.Pattern, description),
		Body:     item.Payer,
		Amount:   item.Amount,
		Currency: item.Currency,
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
