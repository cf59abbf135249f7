package registry

import (
	"context"
	"errors"

	"github.com/textileio/sealbid/lib/auction"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	started     metric.Int64Counter
	closed      metric.Int64Counter
	outcomes    metric.Int64Counter
	accepted    metric.Int64Counter
	rejected    metric.Int64Counter
	storeErrors metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("sealbid/registry")
	m := &metrics{}
	var err error
	if m.started, err = meter.Int64Counter("sealbid.auctions.started",
		metric.WithDescription("Auctions started"),
		metric.WithUnit("{auction}"),
	); err != nil {
		return nil, err
	}
	if m.closed, err = meter.Int64Counter("sealbid.auctions.closed",
		metric.WithDescription("Auctions closed, by trigger"),
		metric.WithUnit("{auction}"),
	); err != nil {
		return nil, err
	}
	if m.outcomes, err = meter.Int64Counter("sealbid.auctions.finished",
		metric.WithDescription("Auctions reaching a terminal state, by state"),
		metric.WithUnit("{auction}"),
	); err != nil {
		return nil, err
	}
	if m.accepted, err = meter.Int64Counter("sealbid.commitments.accepted",
		metric.WithDescription("Commitments accepted"),
		metric.WithUnit("{commitment}"),
	); err != nil {
		return nil, err
	}
	if m.rejected, err = meter.Int64Counter("sealbid.commitments.rejected",
		metric.WithDescription("Commitments rejected, by reason"),
		metric.WithUnit("{commitment}"),
	); err != nil {
		return nil, err
	}
	if m.storeErrors, err = meter.Int64Counter("sealbid.store.unavailable",
		metric.WithDescription("Operations that failed after exhausting store retries"),
		metric.WithUnit("{error}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) finished(ctx context.Context, s auction.State) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("state", s.String())))
}

func (m *metrics) closedBy(ctx context.Context, t auction.Trigger) {
	m.closed.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(t))))
}

func (m *metrics) rejectedFor(ctx context.Context, err error) {
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
	if errors.Is(err, auction.ErrStoreUnavailable) {
		m.storeErrors.Add(ctx, 1)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, auction.ErrAuctionNotFound):
		return "not_found"
	case errors.Is(err, auction.ErrAuctionNotOpen):
		return "not_open"
	case errors.Is(err, auction.ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, auction.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, auction.ErrEmptyCommitment), errors.Is(err, auction.ErrInvalidValue):
		return "invalid_value"
	case errors.Is(err, auction.ErrMembershipUnavailable):
		return "membership_unavailable"
	case errors.Is(err, auction.ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "other"
}
