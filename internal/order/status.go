package order

// Status represents the lifecycle state of an order as reported by the
// marketplace API. The client never drives these transitions itself; the
// table below is used to check that what the server reports is coherent.
type Status string

const (
	StatusPaymentIntent Status = "payment_intent" // Created, awaiting payment
	StatusPaid          Status = "paid"           // Payment confirmed by the gateway
	StatusEscrowHold    Status = "escrow_hold"    // Funds held until confirmation, dispute or release
	StatusCompleted     Status = "completed"      // Buyer confirmed or dispute resolved for seller
	StatusCancelled     Status = "cancelled"      // Cancelled before payment or by an admin/dispute outcome
	StatusDisputed      Status = "disputed"       // A dispute is open against the escrow
)

// AllStatuses lists every known status in lifecycle order.
var AllStatuses = []Status{
	StatusPaymentIntent,
	StatusPaid,
	StatusEscrowHold,
	StatusCompleted,
	StatusCancelled,
	StatusDisputed,
}

// Role identifies who is allowed to trigger a transition on the server.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system" // payment gateway callbacks, dispute adjudication
)

// transitions maps each status to its legal successors and the roles that
// may cause each edge.
var transitions = map[Status]map[Status][]Role{
	StatusPaymentIntent: {
		StatusPaid:      {RoleSystem},
		StatusCancelled: {RoleBuyer, RoleSeller, RoleAdmin},
	},
	StatusPaid: {
		StatusEscrowHold: {RoleSystem},
	},
	StatusEscrowHold: {
		StatusCompleted: {RoleBuyer, RoleSystem},
		StatusDisputed:  {RoleBuyer, RoleSeller},
		StatusCancelled: {RoleAdmin},
	},
	StatusDisputed: {
		StatusEscrowHold: {RoleBuyer, RoleSeller}, // dispute cancelled by its raiser
		StatusCompleted:  {RoleAdmin, RoleSystem},
		StatusCancelled:  {RoleAdmin, RoleSystem},
	},
	StatusCompleted: {},
	StatusCancelled: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal reports whether no further transition can leave s.
// Disputed is deliberately non-terminal: it always resolves or is cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// IsTransitionValid returns true only for the edges of the order lifecycle.
// Self-loops are not transitions.
func IsTransitionValid(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// TransitionRoles returns the roles permitted to trigger from → to, or nil
// if the edge does not exist.
func TransitionRoles(from, to Status) []Role {
	roles, ok := transitions[from][to]
	if !ok {
		return nil
	}
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// RoleMayTransition reports whether role may trigger from → to.
func RoleMayTransition(role Role, from, to Status) bool {
	for _, r := range transitions[from][to] {
		if r == role {
			return true
		}
	}
	return false
}

// Reachable reports whether to can follow from through zero or more legal
// transitions. Polling may observe an order only after several server-side
// transitions (payment_intent → paid → escrow_hold), so snapshot-to-snapshot
// checks use reachability rather than single edges.
func Reachable(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	seen := map[Status]bool{from: true}
	queue := []Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for next := range transitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}
