package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

const (
	testOrderID = "ord_1"
	testOwner   = "user_owner"
	testRenter  = "user_renter"
)

var (
	renterActor = Actor{ID: testRenter, Role: RoleUser}
	ownerActor  = Actor{ID: testOwner, Role: RoleUser}
	adminActor  = Actor{ID: "admin_1", Role: RoleAdmin}
)

// fakeOrders is an in-memory OrderService that records disputed flags.
type fakeOrders struct {
	mu       sync.Mutex
	items    map[string]*OrderInfo
	failMark bool
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{items: map[string]*OrderInfo{
		testOrderID + "#0": {
			OwnerID:       testOwner,
			RenterID:      testRenter,
			Phase:         PhaseDelivery,
			OwnerContact:  "owner@example.com",
			RenterContact: "renter@example.com",
		},
	}}
}

func (f *fakeOrders) put(orderID string, lineItem int, info *OrderInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[orderKey(orderID, lineItem)] = info
}

func orderKey(orderID string, lineItem int) string {
	return fmt.Sprintf("%s#%d", orderID, lineItem)
}

func (f *fakeOrders) GetLineItem(_ context.Context, orderID string, lineItem int) (*OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.items[orderKey(orderID, lineItem)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *info
	return &cp, nil
}

func (f *fakeOrders) MarkDisputed(_ context.Context, orderID string, lineItem int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failMark {
		return errors.New("order service down")
	}
	info, ok := f.items[orderKey(orderID, lineItem)]
	if !ok {
		return ErrNotFound
	}
	info.Disputed = true
	return nil
}

func (f *fakeOrders) ClearDisputed(_ context.Context, orderID string, lineItem int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.items[orderKey(orderID, lineItem)]
	if !ok {
		return ErrNotFound
	}
	info.Disputed = false
	return nil
}

func (f *fakeOrders) disputed(orderID string, lineItem int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[orderKey(orderID, lineItem)].Disputed
}

// fakeRooms records negotiation room creation.
type fakeRooms struct {
	mu      sync.Mutex
	created int
	fail    bool
}

func (f *fakeRooms) CreateRoom(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("chat service down")
	}
	f.created++
	return "room_test", nil
}

// recordingNotifier captures every notification for assertion.
type recordingNotifier struct {
	mu     sync.Mutex
	events []string // "recipient:eventType"
}

func (n *recordingNotifier) Notify(recipient, eventType string, _ map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, recipient+":"+eventType)
}

func (n *recordingNotifier) has(recipient, eventType string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e == recipient+":"+eventType {
			return true
		}
	}
	return false
}

type testEnv struct {
	svc      *Service
	store    *MemoryStore
	orders   *fakeOrders
	rooms    *fakeRooms
	notifier *recordingNotifier
}

func newTestEnv() *testEnv {
	store := NewMemoryStore()
	orders := newFakeOrders()
	rooms := &fakeRooms{}
	notifier := &recordingNotifier{}
	svc := NewService(store, orders, DefaultWindows()).
		WithRooms(rooms).
		WithNotifier(notifier)
	return &testEnv{svc: svc, store: store, orders: orders, rooms: rooms, notifier: notifier}
}

func mustCreate(t *testing.T, env *testEnv) *Dispute {
	t.Helper()
	d, err := env.svc.Create(context.Background(), renterActor, CreateRequest{
		OrderID:     testOrderID,
		LineItem:    0,
		Category:    CategoryProductDamage,
		Description: "drone arrived with a cracked gimbal",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return d
}

// mustReachAdminDecision drives a fresh dispute to admin_decision_made.
func mustReachAdminDecision(t *testing.T, env *testEnv) *Dispute {
	t.Helper()
	ctx := context.Background()
	d := mustCreate(t, env)
	if _, err := env.svc.RespondentRespond(ctx, d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionRejected,
		Reason:   "item was fine when shipped",
	}); err != nil {
		t.Fatalf("RespondentRespond: %v", err)
	}
	d, err := env.svc.AdminReview(ctx, d.ID, adminActor, AdminReviewRequest{
		Ruling:    "owner refunds half the rental fee",
		Reasoning: "damage predates the rental per photos",
	})
	if err != nil {
		t.Fatalf("AdminReview: %v", err)
	}
	return d
}

// mustReachNegotiation drives a fresh dispute into in_negotiation.
func mustReachNegotiation(t *testing.T, env *testEnv) *Dispute {
	t.Helper()
	ctx := context.Background()
	d := mustReachAdminDecision(t, env)
	if _, err := env.svc.RespondToAdminDecision(ctx, d.ID, renterActor, true); err != nil {
		t.Fatalf("complainant responds to ruling: %v", err)
	}
	d, err := env.svc.RespondToAdminDecision(ctx, d.ID, ownerActor, false)
	if err != nil {
		t.Fatalf("respondent rejects ruling: %v", err)
	}
	if d.Status != StatusInNegotiation {
		t.Fatalf("expected status %s, got %s", StatusInNegotiation, d.Status)
	}
	return d
}

// mustReachNegotiationFailed drives a fresh dispute to negotiation_failed via
// a rejected owner final offer.
func mustReachNegotiationFailed(t *testing.T, env *testEnv) *Dispute {
	t.Helper()
	ctx := context.Background()
	d := mustReachNegotiation(t, env)
	if _, err := env.svc.SubmitOwnerFinalDecision(ctx, d.ID, ownerActor, OwnerFinalOfferRequest{
		Text: "take it or leave it: 20% refund",
	}); err != nil {
		t.Fatalf("SubmitOwnerFinalDecision: %v", err)
	}
	d, err := env.svc.RespondToOwnerDecision(ctx, d.ID, renterActor, false)
	if err != nil {
		t.Fatalf("RespondToOwnerDecision: %v", err)
	}
	if d.Status != StatusNegotiationFailed {
		t.Fatalf("expected status %s, got %s", StatusNegotiationFailed, d.Status)
	}
	return d
}

func TestCreate(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	if d.Status != StatusOpen {
		t.Errorf("expected status open, got %s", d.Status)
	}
	if d.Complainant != testRenter || d.Respondent != testOwner {
		t.Errorf("delivery-phase parties wrong: complainant=%s respondent=%s", d.Complainant, d.Respondent)
	}
	if d.Priority != PriorityMedium {
		t.Errorf("expected default priority medium, got %s", d.Priority)
	}
	if !strings.HasPrefix(d.ID, "dsp_") {
		t.Errorf("expected dsp_ id prefix, got %s", d.ID)
	}
	if !env.orders.disputed(testOrderID, 0) {
		t.Error("line item should be marked disputed")
	}
	if len(d.Timeline) != 1 || d.Timeline[0].Action != "dispute_created" {
		t.Errorf("expected one dispute_created timeline entry, got %+v", d.Timeline)
	}
	if !env.notifier.has(testOwner, "dispute.created") {
		t.Error("respondent should be notified of creation")
	}
}

func TestCreate_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"unknown category", CreateRequest{OrderID: testOrderID, Category: "vibes", Description: "x"}},
		{"empty description", CreateRequest{OrderID: testOrderID, Category: CategoryOther, Description: "   "}},
		{"negative line item", CreateRequest{OrderID: testOrderID, LineItem: -1, Category: CategoryOther, Description: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, renterActor, tc.req)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestCreate_OnlyComplainantOfPhaseMayFile(t *testing.T) {
	env := newTestEnv()
	// Delivery phase: the owner is the respondent, not the complainant.
	_, err := env.svc.Create(context.Background(), ownerActor, CreateRequest{
		OrderID:     testOrderID,
		Category:    CategoryProductDamage,
		Description: "renter broke it",
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreate_ReturnPhaseOwnerFiles(t *testing.T) {
	env := newTestEnv()
	env.orders.put("ord_2", 0, &OrderInfo{
		OwnerID:  testOwner,
		RenterID: testRenter,
		Phase:    PhaseReturn,
	})

	d, err := env.svc.Create(context.Background(), ownerActor, CreateRequest{
		OrderID:     "ord_2",
		Category:    CategoryLateReturn,
		Description: "returned three days late",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Complainant != testOwner || d.Respondent != testRenter {
		t.Errorf("return-phase parties wrong: complainant=%s respondent=%s", d.Complainant, d.Respondent)
	}
}

func TestCreate_ShipperFaultFastPath(t *testing.T) {
	env := newTestEnv()
	d, err := env.svc.Create(context.Background(), renterActor, CreateRequest{
		OrderID:     testOrderID,
		Category:    CategoryDamagedByShipper,
		Description: "box arrived crushed",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Status != StatusAdminReview {
		t.Errorf("shipper-fault dispute should skip the respondent, got status %s", d.Status)
	}
}

func TestCreate_LineItemAlreadyDisputed(t *testing.T) {
	env := newTestEnv()
	mustCreate(t, env)

	_, err := env.svc.Create(context.Background(), renterActor, CreateRequest{
		OrderID:     testOrderID,
		Category:    CategoryOther,
		Description: "second dispute on the same item",
	})
	if !errors.Is(err, ErrLineItemDisputed) {
		t.Fatalf("expected ErrLineItemDisputed, got %v", err)
	}
}

func TestCreate_StoreFailureReleasesLineItem(t *testing.T) {
	env := newTestEnv()
	env.orders.failMark = true

	_, err := env.svc.Create(context.Background(), renterActor, CreateRequest{
		OrderID:     testOrderID,
		Category:    CategoryOther,
		Description: "x",
	})
	if err == nil {
		t.Fatal("expected error when marking disputed fails")
	}
	if env.orders.disputed(testOrderID, 0) {
		t.Error("line item must not stay disputed after a failed create")
	}
}

func TestRespondentRespond_Accept(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	d, err := env.svc.RespondentRespond(context.Background(), d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionAccepted,
		Reason:   "my fault, packed badly",
	})
	if err != nil {
		t.Fatalf("RespondentRespond: %v", err)
	}
	if d.Status != StatusRespondentAccepted {
		t.Errorf("expected status respondent_accepted, got %s", d.Status)
	}
	if d.Resolution == nil || d.Resolution.Source != SourceRespondentAccepted {
		t.Errorf("expected resolution with source respondent_accepted, got %+v", d.Resolution)
	}
	if env.orders.disputed(testOrderID, 0) {
		t.Error("terminal resolution must release the disputed line item")
	}
	if !env.notifier.has(testRenter, "dispute.resolved") {
		t.Error("complainant should be notified of resolution")
	}
}

func TestRespondentRespond_RejectRequiresReason(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	_, err := env.svc.RespondentRespond(context.Background(), d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionRejected,
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRespondentRespond_Reject(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	d, err := env.svc.RespondentRespond(context.Background(), d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionRejected,
		Reason:   "item was fine when shipped",
	})
	if err != nil {
		t.Fatalf("RespondentRespond: %v", err)
	}
	if d.Status != StatusRespondentRejected {
		t.Errorf("expected status respondent_rejected, got %s", d.Status)
	}
	if env.orders.disputed(testOrderID, 0) != true {
		t.Error("rejection is not terminal, line item stays disputed")
	}
}

func TestRespondentRespond_OnlyRespondent(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	_, err := env.svc.RespondentRespond(context.Background(), d.ID, renterActor, RespondentResponseRequest{
		Decision: DecisionAccepted,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRespondentRespond_NotFromNonOpen(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)
	ctx := context.Background()

	if _, err := env.svc.RespondentRespond(ctx, d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionRejected, Reason: "no",
	}); err != nil {
		t.Fatalf("first response: %v", err)
	}
	_, err := env.svc.RespondentRespond(ctx, d.ID, ownerActor, RespondentResponseRequest{
		Decision: DecisionAccepted,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second response, got %v", err)
	}
}

func TestAdminReview(t *testing.T) {
	env := newTestEnv()
	d := mustReachAdminDecision(t, env)

	if d.Status != StatusAdminDecisionMade {
		t.Errorf("expected status admin_decision_made, got %s", d.Status)
	}
	if d.AssignedAdmin != adminActor.ID {
		t.Errorf("expected assigned admin %s, got %s", adminActor.ID, d.AssignedAdmin)
	}
	if d.AdminDecision == nil || d.AdminDecision.RespondBy.IsZero() {
		t.Fatalf("expected admin decision with a respond-by deadline, got %+v", d.AdminDecision)
	}
}

func TestAdminReview_NonAdminForbidden(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	_, err := env.svc.AdminReview(context.Background(), d.ID, renterActor, AdminReviewRequest{Ruling: "x"})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestAdminReview_NotFromOpen(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	_, err := env.svc.AdminReview(context.Background(), d.ID, adminActor, AdminReviewRequest{Ruling: "x"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from open, got %v", err)
	}
}

func TestRespondToAdminDecision_BothAccept(t *testing.T) {
	env := newTestEnv()
	d := mustReachAdminDecision(t, env)
	ctx := context.Background()

	first, err := env.svc.RespondToAdminDecision(ctx, d.ID, renterActor, true)
	if err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if first.Status != StatusAdminDecisionMade {
		t.Errorf("one answer must not transition, got %s", first.Status)
	}

	second, err := env.svc.RespondToAdminDecision(ctx, d.ID, ownerActor, true)
	if err != nil {
		t.Fatalf("second answer: %v", err)
	}
	if second.Status != StatusBothAccepted {
		t.Errorf("expected status both_accepted, got %s", second.Status)
	}
	if second.Resolution == nil || second.Resolution.Source != SourceBothAcceptedRuling {
		t.Errorf("expected resolution sourced from the accepted ruling, got %+v", second.Resolution)
	}
	if env.orders.disputed(testOrderID, 0) {
		t.Error("line item should be released on resolution")
	}
}

func TestRespondToAdminDecision_RejectionOpensNegotiation(t *testing.T) {
	env := newTestEnv()
	d := mustReachNegotiation(t, env)

	if d.Negotiation == nil {
		t.Fatal("expected a negotiation room")
	}
	if d.Negotiation.RoomID != "room_test" {
		t.Errorf("expected room from the messaging collaborator, got %q", d.Negotiation.RoomID)
	}
	if !d.Negotiation.Deadline.After(d.Negotiation.StartedAt) {
		t.Error("room deadline must be after its start")
	}
	if env.rooms.created != 1 {
		t.Errorf("expected exactly one room created, got %d", env.rooms.created)
	}
}

func TestRespondToAdminDecision_RoomFailureDoesNotStall(t *testing.T) {
	env := newTestEnv()
	env.rooms.fail = true
	d := mustReachNegotiation(t, env)

	if d.Status != StatusInNegotiation {
		t.Fatalf("negotiation must open even without a chat room, got %s", d.Status)
	}
	if d.Negotiation.RoomID != "" {
		t.Errorf("expected empty room id, got %q", d.Negotiation.RoomID)
	}
}

func TestRespondToAdminDecision_AnswerOnce(t *testing.T) {
	env := newTestEnv()
	d := mustReachAdminDecision(t, env)
	ctx := context.Background()

	if _, err := env.svc.RespondToAdminDecision(ctx, d.ID, renterActor, true); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	_, err := env.svc.RespondToAdminDecision(ctx, d.ID, renterActor, false)
	if !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
}

func TestRespondToAdminDecision_NonPartyForbidden(t *testing.T) {
	env := newTestEnv()
	d := mustReachAdminDecision(t, env)

	_, err := env.svc.RespondToAdminDecision(context.Background(), d.ID, Actor{ID: "user_stranger", Role: RoleUser}, true)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestGetForActor(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)
	ctx := context.Background()

	if _, err := env.svc.GetForActor(ctx, d.ID, renterActor); err != nil {
		t.Errorf("party should read its dispute: %v", err)
	}
	if _, err := env.svc.GetForActor(ctx, d.ID, adminActor); err != nil {
		t.Errorf("admin should read any dispute: %v", err)
	}
	if _, err := env.svc.GetForActor(ctx, d.ID, Actor{ID: "user_stranger", Role: RoleUser}); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-party, got %v", err)
	}
	if _, err := env.svc.GetForActor(ctx, "dsp_missing", adminActor); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetPriority(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)
	ctx := context.Background()

	got, err := env.svc.SetPriority(ctx, d.ID, adminActor, PriorityCritical)
	if err != nil {
		t.Fatalf("SetPriority: %v", err)
	}
	if got.Priority != PriorityCritical {
		t.Errorf("expected priority critical, got %s", got.Priority)
	}
	if got.Status != StatusOpen {
		t.Errorf("priority must never change status, got %s", got.Status)
	}

	if _, err := env.svc.SetPriority(ctx, d.ID, renterActor, PriorityHigh); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden for non-admin, got %v", err)
	}
	if _, err := env.svc.SetPriority(ctx, d.ID, adminActor, "urgent-ish"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for unknown priority, got %v", err)
	}
}

func TestList_Filters(t *testing.T) {
	env := newTestEnv()
	mustCreate(t, env)
	env.orders.put("ord_2", 0, &OrderInfo{
		OwnerID:  testOwner,
		RenterID: "user_other",
		Phase:    PhaseDelivery,
	})
	if _, err := env.svc.Create(context.Background(), Actor{ID: "user_other", Role: RoleUser}, CreateRequest{
		OrderID:     "ord_2",
		Category:    CategoryMissingItems,
		Description: "charger missing from the kit",
	}); err != nil {
		t.Fatalf("second create: %v", err)
	}

	ctx := context.Background()
	all, err := env.svc.List(ctx, Filter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 disputes, got %d (err=%v)", len(all), err)
	}

	byCat, err := env.svc.List(ctx, Filter{Category: CategoryMissingItems})
	if err != nil || len(byCat) != 1 {
		t.Fatalf("expected 1 missing_items dispute, got %d (err=%v)", len(byCat), err)
	}

	byParty, err := env.svc.List(ctx, Filter{Party: testRenter})
	if err != nil || len(byParty) != 1 {
		t.Fatalf("expected 1 dispute for %s, got %d (err=%v)", testRenter, len(byParty), err)
	}

	limited, err := env.svc.List(ctx, Filter{Limit: 1})
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %d (err=%v)", len(limited), err)
	}
}

func TestTimeline(t *testing.T) {
	env := newTestEnv()
	d := mustCreate(t, env)

	entries, err := env.svc.Timeline(context.Background(), d.ID, renterActor)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "dispute_created" {
		t.Errorf("unexpected timeline %+v", entries)
	}
}

func TestConcurrentAdminDecisionAnswers(t *testing.T) {
	env := newTestEnv()
	d := mustReachAdminDecision(t, env)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.svc.RespondToAdminDecision(ctx, d.ID, renterActor, true)
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.svc.RespondToAdminDecision(ctx, d.ID, ownerActor, true)
	}()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
	}
	got, err := env.svc.Get(ctx, d.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusBothAccepted {
		t.Errorf("expected both_accepted after concurrent answers, got %s", got.Status)
	}

	// Exactly one resolution, recorded once.
	if got.Resolution == nil {
		t.Fatal("expected a resolution")
	}
	resolved := 0
	for _, e := range got.Timeline {
		if e.Action == "resolved" {
			resolved++
		}
	}
	if resolved != 1 {
		t.Errorf("expected exactly one resolved timeline entry, got %d", resolved)
	}
}
