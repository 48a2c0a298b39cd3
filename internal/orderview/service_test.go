package orderview

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/accountmarket/internal/api"
	"github.com/mbd888/accountmarket/internal/logging"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/validation"
)

func TestGetView(t *testing.T) {
	f := newFixture(nil)
	o := f.escrowOrder(t)

	v, err := f.service.GetView(context.Background(), viewer("buyer"), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusEscrowHold, v.Order.Status)
	require.NotNil(t, v.Escrow)
	assert.Equal(t, "12:00:00", v.Escrow.Text)

	_, err = f.service.GetView(context.Background(), viewer("mallory"), o.ID)
	assert.True(t, api.IsCode(err, api.CodeNotFound))

	_, err = f.service.GetView(context.Background(), viewer("buyer"), "../x")
	var ve validation.ValidationErrors
	assert.True(t, errors.As(err, &ve))
}

func TestListViews(t *testing.T) {
	f := newFixture(nil)
	f.escrowOrder(t)
	f.pendingOrder(t)

	all, next, err := f.service.ListViews(context.Background(), viewer("seller"), api.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	for _, v := range all {
		assert.Equal(t, order.PartySeller, v.Side)
	}

	assert.Empty(t, next)

	held, _, err := f.service.ListViews(context.Background(), viewer("buyer"), api.OrderFilter{Status: order.StatusEscrowHold})
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.NotNil(t, held[0].Escrow)
}

func TestListViews_Pages(t *testing.T) {
	f := newFixture(nil)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.pendingOrder(t).ID)
		f.clock.Advance(time.Minute)
	}

	first, next, err := f.service.ListViews(context.Background(), viewer("buyer"), api.OrderFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.NotEmpty(t, next)
	// newest first
	assert.Equal(t, ids[2], first[0].Order.ID)
	assert.Equal(t, ids[1], first[1].Order.ID)

	second, next, err := f.service.ListViews(context.Background(), viewer("buyer"), api.OrderFilter{Limit: 2, Cursor: next})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, ids[0], second[0].Order.ID)
	assert.Empty(t, next)
}

func TestConfirmReceipt(t *testing.T) {
	n := &countingNotifier{}
	f := newFixture(n)
	o := f.escrowOrder(t)

	v, err := f.service.ConfirmReceipt(context.Background(), viewer("buyer"), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, v.Order.Status)
	assert.Nil(t, v.Escrow)
	assert.Empty(t, v.Actions)
	assert.Equal(t, []string{o.ID}, n.Notified())
}

func TestConfirmReceipt_OnlyBuyerInEscrow(t *testing.T) {
	f := newFixture(nil)
	o := f.escrowOrder(t)

	_, err := f.service.ConfirmReceipt(context.Background(), viewer("seller"), o.ID)
	assert.ErrorIs(t, err, ErrActionNotAllowed)

	pending := f.pendingOrder(t)
	_, err = f.service.ConfirmReceipt(context.Background(), viewer("buyer"), pending.ID)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestConfirmReceipt_UsesFreshSnapshot(t *testing.T) {
	f := newFixture(nil)
	o := f.escrowOrder(t)

	// The page was rendered while in escrow; a dispute was opened since.
	_, err := f.backend.CreateDispute(authCtx("seller"), api.CreateDisputeRequest{
		OrderID: o.ID, Reason: "chargeback", Description: "buyer reversed the payment",
	})
	require.NoError(t, err)

	_, err = f.service.ConfirmReceipt(context.Background(), viewer("buyer"), o.ID)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(nil)
	pending := f.pendingOrder(t)

	v, err := f.service.CancelOrder(context.Background(), viewer("seller"), pending.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, v.Order.Status)

	held := f.escrowOrder(t)
	_, err = f.service.CancelOrder(context.Background(), viewer("buyer"), held.ID)
	assert.ErrorIs(t, err, ErrActionNotAllowed)
}

func TestGetView_IncoherentOrderRejected(t *testing.T) {
	bad := escrowSnapshot("o1", epoch)
	bad.EscrowReleaseAt = nil
	remote := &scriptedRemote{snapshots: []*order.Order{bad}}
	s := NewService(remote, NewBuilder(0), nil, logging.Discard())

	_, err := s.GetView(context.Background(), viewer("buyer"), "o1")
	assert.ErrorIs(t, err, ErrIncoherentOrder)
}

