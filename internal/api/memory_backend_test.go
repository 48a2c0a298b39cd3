package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/order"
)

func TestMemory_CreateOrder(t *testing.T) {
	m, _, l := newTestBackend()

	o, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentIntent, o.Status)
	assert.Equal(t, 500.0, o.Amount)
	assert.Equal(t, "buyer", o.BuyerID)
	assert.Equal(t, "seller", o.SellerID)
	assert.Nil(t, o.EscrowReleaseAt)
	assert.NoError(t, order.Validate(o))
}

func TestMemory_CreateOrder_ReplaysIdempotencyKey(t *testing.T) {
	m, _, l := newTestBackend()
	keyed := func() context.Context {
		return WithActionKey(viewerCtx("buyer"), "buyer", "create_order", l.ID, "")
	}

	first, err := m.CreateOrder(keyed(), l.ID)
	require.NoError(t, err)
	again, err := m.CreateOrder(keyed(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	unkeyed, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, unkeyed.ID)

	// once the replayed order is cancelled the key buys afresh
	_, err = m.CancelOrder(viewerCtx("buyer"), first.ID)
	require.NoError(t, err)
	fresh, err := m.CreateOrder(keyed(), l.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)
}

func TestMemory_CreateOrder_SelfPurchase(t *testing.T) {
	m, _, l := newTestBackend()

	_, err := m.CreateOrder(viewerCtx("seller"), l.ID)
	assert.True(t, IsCode(err, CodeSelfPurchase))
}

func TestMemory_RequiresViewer(t *testing.T) {
	m, _, l := newTestBackend()

	_, err := m.CreateOrder(context.Background(), l.ID)
	assert.True(t, IsCode(err, CodeUnauthorized))
}

func TestMemory_OrdersVisibleToPartiesOnly(t *testing.T) {
	m, _, l := newTestBackend()
	o, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)

	_, err = m.GetOrder(viewerCtx("seller"), o.ID)
	assert.NoError(t, err)

	_, err = m.GetOrder(viewerCtx("stranger"), o.ID)
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestMemory_PaymentLinkIdempotency(t *testing.T) {
	m, _, l := newTestBackend()
	ctx := viewerCtx("buyer")
	o, err := m.CreateOrder(ctx, l.ID)
	require.NoError(t, err)

	link, err := m.CreatePaymentLink(ctx, o.ID)
	require.NoError(t, err)

	_, err = m.CreatePaymentLink(ctx, o.ID)
	var ae *Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, CodeAlreadyExists, ae.Code)
	assert.Equal(t, link.PaymentURL, ae.PaymentURL)
	assert.Equal(t, 1, m.PaymentIntents())
}

func TestMemory_PaymentLinkOnlyForBuyer(t *testing.T) {
	m, _, l := newTestBackend()
	o, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)

	_, err = m.CreatePaymentLink(viewerCtx("seller"), o.ID)
	assert.True(t, IsCode(err, CodeRoleNotAllowed))
}

func TestMemory_ConfirmPaymentStartsEscrow(t *testing.T) {
	m, clk, l := newTestBackend()
	o := escrowOrder(m, l.ID)

	assert.Equal(t, order.StatusEscrowHold, o.Status)
	require.NotNil(t, o.EscrowReleaseAt)
	assert.Equal(t, clk.Now().Add(12*time.Hour), *o.EscrowReleaseAt)

	_, err := m.ConfirmPayment(o.ID)
	assert.True(t, IsCode(err, CodeInvalidStatus))
}

func TestMemory_CredentialsRevealedToBuyerInEscrow(t *testing.T) {
	m, _, l := newTestBackend()
	ctx := viewerCtx("buyer")
	o, err := m.CreateOrder(ctx, l.ID)
	require.NoError(t, err)
	assert.Empty(t, o.Listing.Credentials)

	_, err = m.ConfirmPayment(o.ID)
	require.NoError(t, err)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Listing.Credentials)

	got, err = m.GetOrder(viewerCtx("seller"), o.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Listing.Credentials)
}

func TestMemory_HostedCheckout(t *testing.T) {
	m, _, l := newTestBackend()
	ctx := viewerCtx("buyer")
	o, err := m.CreateOrder(ctx, l.ID)
	require.NoError(t, err)

	hc, err := m.CreateHostedCheckout(ctx, o.ID)
	require.NoError(t, err)
	assert.Contains(t, hc.WidgetScriptURL, hc.CheckoutID)
	assert.NotEmpty(t, hc.Integrity)

	again, err := m.CreateHostedCheckout(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, hc.CheckoutID, again.CheckoutID, "one checkout per order")

	_, err = m.GetHostedCheckoutStatus(ctx, CheckoutResourcePath("other"), o.ID)
	assert.True(t, IsCode(err, CodeNotFound))

	st, err := m.GetHostedCheckoutStatus(ctx, CheckoutResourcePath(hc.CheckoutID), o.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, st.Status)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusEscrowHold, got.Status)
}

func TestMemory_HostedCheckoutFailureLeavesOrder(t *testing.T) {
	m, _, l := newTestBackend()
	ctx := viewerCtx("buyer")
	o, err := m.CreateOrder(ctx, l.ID)
	require.NoError(t, err)
	hc, err := m.CreateHostedCheckout(ctx, o.ID)
	require.NoError(t, err)

	m.SetCheckoutOutcome(o.ID, HostedCheckoutStatus{Status: OutcomeFailed, IsRestrictedCard: true})
	st, err := m.GetHostedCheckoutStatus(ctx, CheckoutResourcePath(hc.CheckoutID), o.ID)
	require.NoError(t, err)
	assert.True(t, st.IsRestrictedCard)

	got, err := m.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaymentIntent, got.Status)
}

func TestMemory_ConfirmReceipt(t *testing.T) {
	m, _, l := newTestBackend()
	o := escrowOrder(m, l.ID)

	_, err := m.UpdateOrder(viewerCtx("seller"), o.ID, order.StatusCompleted)
	assert.True(t, IsCode(err, CodeRoleNotAllowed))

	got, err := m.UpdateOrder(viewerCtx("buyer"), o.ID, order.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)

	_, err = m.UpdateOrder(viewerCtx("buyer"), o.ID, order.StatusCompleted)
	assert.True(t, IsCode(err, CodeInvalidStatus))
}

func TestMemory_CancelOrder(t *testing.T) {
	m, _, l := newTestBackend()

	o, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)
	got, err := m.CancelOrder(viewerCtx("seller"), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)

	escrowed := escrowOrder(m, l.ID)
	_, err = m.CancelOrder(viewerCtx("buyer"), escrowed.ID)
	assert.True(t, IsCode(err, CodeRoleNotAllowed), "escrow cancellation is admin-only")
}

func TestMemory_DisputeLifecycle(t *testing.T) {
	m, clk, l := newTestBackend()
	o := escrowOrder(m, l.ID)
	release := *o.EscrowReleaseAt
	buyer := viewerCtx("buyer", "telegram")

	d, err := m.CreateDispute(buyer, CreateDisputeRequest{OrderID: o.ID, Reason: "not as described", Description: "wrong level"})
	require.NoError(t, err)
	assert.Equal(t, order.DisputeOpen, d.Status)
	assert.Equal(t, order.PartyBuyer, d.Party)

	got, err := m.GetOrder(buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusDisputed, got.Status)
	assert.Equal(t, d.ID, got.DisputeID)

	_, err = m.CancelDispute(viewerCtx("seller", "telegram"), d.ID)
	assert.True(t, IsCode(err, CodeRoleNotAllowed), "only the raiser may cancel")

	clk.Advance(time.Hour)
	closed, err := m.CancelDispute(buyer, d.ID)
	require.NoError(t, err)
	assert.Equal(t, order.DisputeClosed, closed.Status)

	got, err = m.GetOrder(buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusEscrowHold, got.Status)
	assert.Equal(t, release, *got.EscrowReleaseAt, "release time is not restarted")
	assert.Equal(t, d.ID, got.DisputeID, "dispute reference is kept")

	_, err = m.CreateDispute(viewerCtx("seller", "telegram"), CreateDisputeRequest{OrderID: o.ID, Reason: "r", Description: "d"})
	assert.True(t, IsCode(err, CodeDisputeExists))
	assert.Equal(t, 1, m.DisputesCreated())
}

func TestMemory_CreateDisputeRules(t *testing.T) {
	m, _, l := newTestBackend()
	o := escrowOrder(m, l.ID)
	req := CreateDisputeRequest{OrderID: o.ID, Reason: "r", Description: "d"}

	_, err := m.CreateDispute(viewerCtx("buyer"), req)
	assert.True(t, IsCode(err, CodeIdentityNotLinked))

	_, err = m.CreateDispute(viewerCtx("stranger", "telegram"), req)
	assert.True(t, IsCode(err, CodeNotFound))

	_, err = m.CreateDispute(viewerCtx("buyer", "telegram"), CreateDisputeRequest{OrderID: o.ID})
	assert.True(t, IsCode(err, CodeValidation))

	pending, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)
	_, err = m.CreateDispute(viewerCtx("buyer", "telegram"), CreateDisputeRequest{OrderID: pending.ID, Reason: "r", Description: "d"})
	assert.True(t, IsCode(err, CodeInvalidStatus))
}

func TestMemory_ReviewedDisputeCannotBeCancelled(t *testing.T) {
	m, _, l := newTestBackend()
	o := escrowOrder(m, l.ID)
	buyer := viewerCtx("buyer", "telegram")

	d, err := m.CreateDispute(buyer, CreateDisputeRequest{OrderID: o.ID, Reason: "r", Description: "d"})
	require.NoError(t, err)
	_, err = m.ReviewDispute(d.ID)
	require.NoError(t, err)

	_, err = m.CancelDispute(buyer, d.ID)
	assert.True(t, IsCode(err, CodeInvalidStatus))

	resolved, err := m.ResolveDispute(d.ID, order.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, order.DisputeResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	got, err := m.GetOrder(buyer, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, got.Status)
}

func TestMemory_ListFilters(t *testing.T) {
	m, clk, l := newTestBackend()
	disputed := escrowOrder(m, l.ID)
	clk.Advance(time.Minute)
	free := escrowOrder(m, l.ID)
	clk.Advance(time.Minute)
	_, err := m.CreateOrder(viewerCtx("buyer"), l.ID)
	require.NoError(t, err)

	buyer := viewerCtx("buyer", "telegram")
	_, err = m.CreateDispute(buyer, CreateDisputeRequest{OrderID: disputed.ID, Reason: "r", Description: "d"})
	require.NoError(t, err)

	all, err := m.ListOrders(buyer, OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	no := false
	candidates, err := m.ListOrders(buyer, OrderFilter{Status: order.StatusEscrowHold, HasDispute: &no})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, free.ID, candidates[0].ID)

	sold, err := m.ListOrders(viewerCtx("seller"), OrderFilter{Side: order.PartySeller, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, sold, 2)

	none, err := m.ListOrders(viewerCtx("seller"), OrderFilter{Side: order.PartyBuyer})
	require.NoError(t, err)
	assert.Empty(t, none)

	disputes, err := m.ListDisputes(viewerCtx("seller"), DisputeFilter{OrderID: disputed.ID})
	require.NoError(t, err)
	assert.Len(t, disputes, 1)

	disputes, err = m.ListDisputes(viewerCtx("stranger"), DisputeFilter{})
	require.NoError(t, err)
	assert.Empty(t, disputes)
}

func TestMemory_ReleaseExpired(t *testing.T) {
	m, clk, l := newTestBackend()
	o := escrowOrder(m, l.ID)
	held := escrowOrder(m, l.ID)
	_, err := m.CreateDispute(viewerCtx("buyer", "telegram"), CreateDisputeRequest{OrderID: held.ID, Reason: "r", Description: "d"})
	require.NoError(t, err)

	assert.Empty(t, m.ReleaseExpired(clk.Now(), 0))

	clk.Advance(12 * time.Hour)
	assert.Equal(t, []string{o.ID}, m.ReleaseExpired(clk.Now(), 0), "disputed orders are not released")

	got, err := m.GetOrder(viewerCtx("buyer"), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)
}

func TestReleaseTimer_StartStop(t *testing.T) {
	m, _, _ := newTestBackend()
	rt := NewReleaseTimer(m, time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		rt.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, rt.Running, time.Second, time.Millisecond)

	rt.Stop()
	rt.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release timer did not stop")
	}
	assert.False(t, rt.Running())
}

func TestMemory_SeedOrderValidates(t *testing.T) {
	m, clk, _ := newTestBackend()
	bad := &order.Order{ID: "ord_x", Status: order.StatusEscrowHold, BuyerID: "a", SellerID: "b", CreatedAt: clk.Now()}
	assert.ErrorIs(t, m.SeedOrder(bad), order.ErrReleaseAtMismatch)
}
