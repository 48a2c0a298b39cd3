package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransitionValid_Table(t *testing.T) {
	valid := map[[2]Status]bool{
		{StatusPaymentIntent, StatusPaid}:      true,
		{StatusPaymentIntent, StatusCancelled}: true,
		{StatusPaid, StatusEscrowHold}:         true,
		{StatusEscrowHold, StatusCompleted}:    true,
		{StatusEscrowHold, StatusDisputed}:     true,
		{StatusEscrowHold, StatusCancelled}:    true,
		{StatusDisputed, StatusEscrowHold}:     true,
		{StatusDisputed, StatusCompleted}:      true,
		{StatusDisputed, StatusCancelled}:      true,
	}

	for _, from := range AllStatuses {
		for _, to := range AllStatuses {
			want := valid[[2]Status{from, to}]
			assert.Equal(t, want, IsTransitionValid(from, to), "%s → %s", from, to)
		}
	}
}

func TestIsTransitionValid_UnknownStatus(t *testing.T) {
	assert.False(t, IsTransitionValid("shipped", StatusPaid))
	assert.False(t, IsTransitionValid(StatusPaid, "shipped"))
	assert.False(t, Status("shipped").Valid())
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusDisputed.IsTerminal())
	assert.False(t, StatusEscrowHold.IsTerminal())

	for _, s := range AllStatuses {
		if s.IsTerminal() {
			for _, to := range AllStatuses {
				assert.False(t, IsTransitionValid(s, to), "terminal %s must have no successors", s)
			}
		}
	}
}

func TestEscrowCancellationIsAdminOnly(t *testing.T) {
	assert.True(t, RoleMayTransition(RoleAdmin, StatusEscrowHold, StatusCancelled))
	assert.False(t, RoleMayTransition(RoleBuyer, StatusEscrowHold, StatusCancelled))
	assert.False(t, RoleMayTransition(RoleSeller, StatusEscrowHold, StatusCancelled))
	assert.True(t, RoleMayTransition(RoleBuyer, StatusPaymentIntent, StatusCancelled))
	assert.Nil(t, TransitionRoles(StatusCompleted, StatusPaid))
}

func TestReachable(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPaymentIntent, StatusEscrowHold, true},
		{StatusPaymentIntent, StatusCompleted, true},
		{StatusEscrowHold, StatusEscrowHold, true},
		{StatusDisputed, StatusEscrowHold, true},
		{StatusEscrowHold, StatusPaid, false},
		{StatusCompleted, StatusEscrowHold, false},
		{StatusCancelled, StatusPaymentIntent, false},
		{StatusPaid, StatusPaymentIntent, false},
		{"bogus", "bogus", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Reachable(tt.from, tt.to), "%s ⇝ %s", tt.from, tt.to)
	}
}
