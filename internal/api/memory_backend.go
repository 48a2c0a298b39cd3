package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/accountmarket/internal/auth"
	"github.com/mbd888/accountmarket/internal/idgen"
	"github.com/mbd888/accountmarket/internal/order"
	"github.com/mbd888/accountmarket/internal/pagination"
)

// MemoryBackend is an in-memory marketplace for demo/development mode and
// tests. It enforces the same ownership and status rules as the real API,
// identifying the caller by the viewer attached to the context.
type MemoryBackend struct {
	mu sync.RWMutex

	listings     map[string]*order.Listing
	orders       map[string]*order.Order
	disputes     map[string]*order.Dispute
	paymentLinks map[string]string // order id → payment url
	checkouts    map[string]string // checkout id → order id
	outcomes     map[string]HostedCheckoutStatus
	orderKeys    map[string]string // idempotency key → order id

	hold         time.Duration
	paymentBase  string
	widgetBase   string
	now          func() time.Time
	intentCount  int
	disputeCount int
	networkCalls int
}

var _ Remote = (*MemoryBackend)(nil)

// MemoryOption configures a MemoryBackend.
type MemoryOption func(*MemoryBackend)

// WithHoldDuration sets how long funds stay in escrow after payment.
func WithHoldDuration(d time.Duration) MemoryOption {
	return func(m *MemoryBackend) { m.hold = d }
}

// WithMemoryClock replaces the time source.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBackend) { m.now = now }
}

// WithPaymentBaseURL sets the base of generated payment and widget URLs.
func WithPaymentBaseURL(paymentBase, widgetBase string) MemoryOption {
	return func(m *MemoryBackend) {
		m.paymentBase = strings.TrimRight(paymentBase, "/")
		m.widgetBase = strings.TrimRight(widgetBase, "/")
	}
}

// NewMemoryBackend creates an empty in-memory marketplace.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	m := &MemoryBackend{
		listings:     make(map[string]*order.Listing),
		orders:       make(map[string]*order.Order),
		disputes:     make(map[string]*order.Dispute),
		paymentLinks: make(map[string]string),
		checkouts:    make(map[string]string),
		outcomes:     make(map[string]HostedCheckoutStatus),
		orderKeys:    make(map[string]string),
		hold:         12 * time.Hour,
		paymentBase:  "https://pay.demo.accountmarket.dev",
		widgetBase:   "https://widget.demo.accountmarket.dev",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WidgetOrigin is the origin serving the demo widget script.
func (m *MemoryBackend) WidgetOrigin() string {
	return m.widgetBase
}

// --- Seeding and demo operations (not part of the remote contract) ---

// AddListing stores a listing. Missing ids and timestamps are filled in.
func (m *MemoryBackend) AddListing(l order.Listing) *order.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == "" {
		l.ID = idgen.WithPrefix("lst_")
	}
	if l.Status == "" {
		l.Status = order.ListingActive
	}
	now := m.now()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
	m.listings[l.ID] = &l
	cp := l
	return &cp
}

// SetListingPrice edits a listing's price, as a seller would.
func (m *MemoryBackend) SetListingPrice(listingID string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return newError(http.StatusNotFound, CodeNotFound, "listing not found")
	}
	l.Price = price
	l.UpdatedAt = m.now()
	return nil
}

// SeedOrder stores an order as-is after checking it is coherent.
func (m *MemoryBackend) SeedOrder(o *order.Order) error {
	if err := order.Validate(o); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o.Clone()
	return nil
}

// SeedDispute stores a dispute as-is.
func (m *MemoryBackend) SeedDispute(d *order.Dispute) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disputes[d.ID] = cloneDispute(d)
}

// SetCheckoutOutcome fixes what the hosted checkout status call reports for
// an order. Orders without an outcome succeed.
func (m *MemoryBackend) SetCheckoutOutcome(orderID string, st HostedCheckoutStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[orderID] = st
}

// ConfirmPayment plays the payment gateway callback for the redirect path:
// payment_intent → paid → escrow_hold.
func (m *MemoryBackend) ConfirmPayment(orderID string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, newError(http.StatusNotFound, CodeNotFound, "order not found")
	}
	if err := m.settleLocked(o); err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// ReviewDispute moves an open dispute under review, as support would.
func (m *MemoryBackend) ReviewDispute(disputeID string) (*order.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return nil, newError(http.StatusNotFound, CodeNotFound, "dispute not found")
	}
	if d.Status != order.DisputeOpen {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "dispute is not open")
	}
	d.Status = order.DisputeUnderReview
	return cloneDispute(d), nil
}

// ResolveDispute adjudicates a dispute. outcome is completed (release to
// seller) or cancelled (refund to buyer).
func (m *MemoryBackend) ResolveDispute(disputeID string, outcome order.Status) (*order.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[disputeID]
	if !ok {
		return nil, newError(http.StatusNotFound, CodeNotFound, "dispute not found")
	}
	if d.Status.IsFinal() {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "dispute already final")
	}
	o, ok := m.orders[d.OrderID]
	if !ok {
		return nil, newError(http.StatusNotFound, CodeNotFound, "order not found")
	}
	if !order.RoleMayTransition(order.RoleSystem, o.Status, outcome) {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "order cannot move to "+string(outcome))
	}

	now := m.now()
	d.Status = order.DisputeResolved
	d.ResolvedAt = &now
	o.Status = outcome
	o.UpdatedAt = now
	return cloneDispute(d), nil
}

// ReleaseExpired completes undisputed escrow holds whose release time has
// passed, as the marketplace does on its own schedule. It returns the
// released order ids.
func (m *MemoryBackend) ReleaseExpired(now time.Time, limit int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	for _, o := range m.orders {
		if limit > 0 && len(released) >= limit {
			break
		}
		if o.Status != order.StatusEscrowHold || o.EscrowReleaseAt == nil {
			continue
		}
		if now.Before(*o.EscrowReleaseAt) {
			continue
		}
		o.Status = order.StatusCompleted
		o.UpdatedAt = now
		released = append(released, o.ID)
	}
	sort.Strings(released)
	return released
}

// PaymentIntents is the number of payment links created so far.
func (m *MemoryBackend) PaymentIntents() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.intentCount
}

// DisputesCreated is the number of disputes created so far.
func (m *MemoryBackend) DisputesCreated() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.disputeCount
}

// Calls is the number of Remote operations served so far.
func (m *MemoryBackend) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.networkCalls
}

// --- Remote ---

func (m *MemoryBackend) caller(ctx context.Context) (auth.Viewer, error) {
	v, ok := auth.FromContext(ctx)
	if !ok || v.Anonymous() {
		return auth.Viewer{}, newError(http.StatusUnauthorized, CodeUnauthorized, "sign in required")
	}
	return v, nil
}

// begin counts the call, resolves the caller and takes the write lock.
// The caller must call m.mu.Unlock.
func (m *MemoryBackend) begin(ctx context.Context) (auth.Viewer, error) {
	v, err := m.caller(ctx)
	m.mu.Lock()
	m.networkCalls++
	if err != nil {
		m.mu.Unlock()
		return auth.Viewer{}, err
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return auth.Viewer{}, err
	}
	return v, nil
}

// visibleOrderLocked returns the order if v may see it.
func (m *MemoryBackend) visibleOrderLocked(v auth.Viewer, orderID string) (*order.Order, error) {
	o, ok := m.orders[orderID]
	if !ok || !(o.IsParty(v.ID) || v.IsAdmin()) {
		return nil, newError(http.StatusNotFound, CodeNotFound, "order not found")
	}
	return o, nil
}

func (m *MemoryBackend) CreateOrder(ctx context.Context, listingID string) (*order.Order, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok || l.Status != order.ListingActive {
		return nil, newError(http.StatusNotFound, CodeNotFound, "listing not available")
	}
	if l.SellerID == v.ID {
		return nil, newError(http.StatusBadRequest, CodeSelfPurchase, "cannot buy your own listing")
	}

	// A replayed key returns its order while that order still awaits
	// payment. Once it moves on the key is spent and a new order is made.
	key := IdempotencyKeyFrom(ctx)
	if id, ok := m.orderKeys[key]; ok && key != "" {
		if prev := m.orders[id]; prev != nil && prev.BuyerID == v.ID && prev.Status == order.StatusPaymentIntent {
			return prev.Clone(), nil
		}
		delete(m.orderKeys, key)
	}

	now := m.now()
	o := &order.Order{
		ID:       idgen.WithPrefix("ord_"),
		Status:   order.StatusPaymentIntent,
		Amount:   l.Price,
		BuyerID:  v.ID,
		SellerID: l.SellerID,
		Listing: order.ListingSnapshot{
			ID:       l.ID,
			Title:    l.Title,
			Category: l.Category,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.orders[o.ID] = o
	if key != "" {
		m.orderKeys[key] = o.ID
	}
	return o.Clone(), nil
}

func (m *MemoryBackend) GetOrder(ctx context.Context, orderID string) (*order.Order, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.visibleOrderLocked(v, orderID)
	if err != nil {
		return nil, err
	}
	return m.revealLocked(o, v), nil
}

// revealLocked returns a copy of o with credentials shown only to the buyer
// once funds are in escrow or released.
func (m *MemoryBackend) revealLocked(o *order.Order, v auth.Viewer) *order.Order {
	cp := o.Clone()
	if v.ID != o.BuyerID {
		cp.Listing.Credentials = ""
		return cp
	}
	switch o.Status {
	case order.StatusEscrowHold, order.StatusCompleted, order.StatusDisputed:
		if cp.Listing.Credentials == "" {
			cp.Listing.Credentials = "login: demo-" + o.Listing.ID + " / password: ••••••"
		}
	default:
		cp.Listing.Credentials = ""
	}
	return cp
}

func (m *MemoryBackend) UpdateOrder(ctx context.Context, orderID string, status order.Status) (*order.Order, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.visibleOrderLocked(v, orderID)
	if err != nil {
		return nil, err
	}
	if err := m.transitionLocked(o, v, status); err != nil {
		return nil, err
	}
	return m.revealLocked(o, v), nil
}

func (m *MemoryBackend) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	return m.UpdateOrder(ctx, orderID, order.StatusCancelled)
}

// transitionLocked applies a viewer-requested transition.
func (m *MemoryBackend) transitionLocked(o *order.Order, v auth.Viewer, to order.Status) error {
	if !order.IsTransitionValid(o.Status, to) {
		return newError(http.StatusConflict, CodeInvalidStatus,
			"order is "+string(o.Status)+", cannot move to "+string(to))
	}
	role := o.PartyRole(v.ID)
	if v.IsAdmin() && !o.IsParty(v.ID) {
		role = order.RoleAdmin
	}
	if !order.RoleMayTransition(role, o.Status, to) {
		return newError(http.StatusForbidden, CodeRoleNotAllowed, "not allowed for your role")
	}
	o.Status = to
	o.UpdatedAt = m.now()
	if to == order.StatusCancelled {
		delete(m.paymentLinks, o.ID)
	}
	return nil
}

func (m *MemoryBackend) ListOrders(ctx context.Context, filter OrderFilter) ([]*order.Order, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	after, err := pagination.Decode(filter.Cursor)
	if err != nil {
		return nil, newError(http.StatusBadRequest, CodeValidation, "invalid cursor")
	}

	var out []*order.Order
	for _, o := range m.orders {
		if !o.IsParty(v.ID) || !filter.Matches(o, v.ID) || !after.Follows(o.CreatedAt, o.ID) {
			continue
		}
		out = append(out, m.revealLocked(o, v))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryBackend) GetListing(ctx context.Context, listingID string) (*order.Listing, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok || (l.Status == order.ListingHidden && l.SellerID != v.ID && !v.IsAdmin()) {
		return nil, newError(http.StatusNotFound, CodeNotFound, "listing not found")
	}
	cp := *l
	return &cp, nil
}

// payableLocked checks that v may pay for orderID.
func (m *MemoryBackend) payableLocked(v auth.Viewer, orderID string) (*order.Order, error) {
	o, err := m.visibleOrderLocked(v, orderID)
	if err != nil {
		return nil, err
	}
	if o.BuyerID != v.ID {
		return nil, newError(http.StatusForbidden, CodeRoleNotAllowed, "only the buyer can pay")
	}
	if o.Status != order.StatusPaymentIntent {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "order is not awaiting payment")
	}
	return o, nil
}

func (m *MemoryBackend) CreatePaymentLink(ctx context.Context, orderID string) (*PaymentLink, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.payableLocked(v, orderID)
	if err != nil {
		return nil, err
	}
	if existing, ok := m.paymentLinks[o.ID]; ok {
		return nil, &Error{
			Status:     http.StatusConflict,
			Code:       CodeAlreadyExists,
			Message:    "payment already initiated",
			PaymentURL: existing,
		}
	}

	link := m.paymentBase + "/pay/" + idgen.New()
	m.paymentLinks[o.ID] = link
	m.intentCount++
	return &PaymentLink{PaymentURL: link}, nil
}

func (m *MemoryBackend) CreateHostedCheckout(ctx context.Context, orderID string) (*HostedCheckout, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.payableLocked(v, orderID)
	if err != nil {
		return nil, err
	}

	checkoutID := ""
	for id, oid := range m.checkouts {
		if oid == o.ID {
			checkoutID = id
			break
		}
	}
	if checkoutID == "" {
		checkoutID = strings.ReplaceAll(idgen.New(), "-", "")
		m.checkouts[checkoutID] = o.ID
	}

	return &HostedCheckout{
		CheckoutID:      checkoutID,
		WidgetScriptURL: m.widgetBase + "/v1/paymentWidgets.js?checkoutId=" + checkoutID,
		Integrity:       "sha384-demo" + checkoutID[:16],
	}, nil
}

// CheckoutResourcePath is the path the hosted widget hands back on completion.
func CheckoutResourcePath(checkoutID string) string {
	return "/v1/checkouts/" + checkoutID + "/payment"
}

func (m *MemoryBackend) GetHostedCheckoutStatus(ctx context.Context, resourcePath, orderID string) (*HostedCheckoutStatus, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.visibleOrderLocked(v, orderID)
	if err != nil {
		return nil, err
	}

	checkoutID := strings.TrimSuffix(strings.TrimPrefix(resourcePath, "/v1/checkouts/"), "/payment")
	if m.checkouts[checkoutID] != o.ID {
		return nil, newError(http.StatusNotFound, CodeNotFound, "checkout not found")
	}

	st, ok := m.outcomes[o.ID]
	if !ok {
		st = HostedCheckoutStatus{Status: OutcomeSuccess, ResultDescription: "Request successfully processed"}
	}
	if st.Status == OutcomeSuccess && o.Status == order.StatusPaymentIntent {
		if err := m.settleLocked(o); err != nil {
			return nil, err
		}
	}
	cp := st
	return &cp, nil
}

// settleLocked records a confirmed payment: payment_intent → paid →
// escrow_hold with the release deadline.
func (m *MemoryBackend) settleLocked(o *order.Order) error {
	if o.Status != order.StatusPaymentIntent {
		return newError(http.StatusConflict, CodeInvalidStatus, "order is not awaiting payment")
	}
	now := m.now()
	// paid is passed through in the same step; clients polling never see it
	release := now.Add(m.hold)
	o.Status = order.StatusEscrowHold
	o.EscrowReleaseAt = &release
	o.UpdatedAt = now
	delete(m.paymentLinks, o.ID)
	return nil
}

func (m *MemoryBackend) CreateDispute(ctx context.Context, req CreateDisputeRequest) (*order.Dispute, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	o, err := m.visibleOrderLocked(v, req.OrderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(v.ID) {
		return nil, newError(http.StatusForbidden, CodeRoleNotAllowed, "only the buyer or seller can open a dispute")
	}
	if !v.HasLinkedIdentity() {
		return nil, newError(http.StatusForbidden, CodeIdentityNotLinked, "link an external account before opening a dispute")
	}
	if strings.TrimSpace(req.Reason) == "" || strings.TrimSpace(req.Description) == "" {
		return nil, newError(http.StatusBadRequest, CodeValidation, "reason and description are required")
	}
	if o.HasDispute() {
		return nil, newError(http.StatusConflict, CodeDisputeExists, "a dispute already exists for this order")
	}
	if !order.RoleMayTransition(o.PartyRole(v.ID), o.Status, order.StatusDisputed) {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "order is not in escrow")
	}

	now := m.now()
	d := &order.Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		OrderID:     o.ID,
		Party:       o.PartyOf(v.ID),
		RaisedBy:    v.ID,
		Reason:      req.Reason,
		Description: req.Description,
		Status:      order.DisputeOpen,
		CreatedAt:   now,
	}
	m.disputes[d.ID] = d
	m.disputeCount++

	o.DisputeID = d.ID
	o.Status = order.StatusDisputed
	o.UpdatedAt = now
	return cloneDispute(d), nil
}

// visibleDisputeLocked returns the dispute if v is a party to its order.
func (m *MemoryBackend) visibleDisputeLocked(v auth.Viewer, disputeID string) (*order.Dispute, *order.Order, error) {
	d, ok := m.disputes[disputeID]
	if !ok {
		return nil, nil, newError(http.StatusNotFound, CodeNotFound, "dispute not found")
	}
	o, err := m.visibleOrderLocked(v, d.OrderID)
	if err != nil {
		return nil, nil, newError(http.StatusNotFound, CodeNotFound, "dispute not found")
	}
	return d, o, nil
}

func (m *MemoryBackend) GetDispute(ctx context.Context, disputeID string) (*order.Dispute, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	d, _, err := m.visibleDisputeLocked(v, disputeID)
	if err != nil {
		return nil, err
	}
	return cloneDispute(d), nil
}

func (m *MemoryBackend) CancelDispute(ctx context.Context, disputeID string) (*order.Dispute, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	d, o, err := m.visibleDisputeLocked(v, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != order.DisputeOpen {
		return nil, newError(http.StatusConflict, CodeInvalidStatus, "only open disputes can be cancelled")
	}
	if d.RaisedBy != v.ID {
		return nil, newError(http.StatusForbidden, CodeRoleNotAllowed, "only the party who opened the dispute can cancel it")
	}

	now := m.now()
	d.Status = order.DisputeClosed
	d.ResolvedAt = &now
	if o.Status == order.StatusDisputed {
		// release deadline and dispute reference are kept
		o.Status = order.StatusEscrowHold
		o.UpdatedAt = now
	}
	return cloneDispute(d), nil
}

func (m *MemoryBackend) ListDisputes(ctx context.Context, filter DisputeFilter) ([]*order.Dispute, error) {
	v, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer m.mu.Unlock()

	var out []*order.Dispute
	for _, d := range m.disputes {
		o, ok := m.orders[d.OrderID]
		if !ok || !o.IsParty(v.ID) || !filter.Matches(d) {
			continue
		}
		out = append(out, cloneDispute(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func cloneDispute(d *order.Dispute) *order.Dispute {
	cp := *d
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}
