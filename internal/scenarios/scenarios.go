// Package scenarios drives complete trade flows against a throwaway
// in-process node and reports every step. Each scenario builds its own
// stack over SQLite in memory and pebble in a temp directory, seeds a
// small market, runs the flow under a manual clock and tears everything
// down, so a run needs no daemon and leaves nothing behind. The CLI
// exposes them for demos and for smoke-testing a build.
package scenarios

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/wattex/wattexd/internal/coordinator"
	"github.com/wattex/wattexd/internal/domain"
	"github.com/wattex/wattexd/internal/escrow"
	"github.com/wattex/wattexd/internal/protocol"
	"github.com/wattex/wattexd/internal/storage/relational"
)

// Step is one recorded stage of a scenario run.
type Step struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail any    `json:"detail,omitempty"`
}

// Report is the outcome of one scenario.
type Report struct {
	Scenario string `json:"scenario"`
	Passed   bool   `json:"passed"`
	Steps    []Step `json:"steps"`
}

func (r *Report) ok(name string, detail any) {
	r.Steps = append(r.Steps, Step{Name: name, Status: "ok", Detail: detail})
}

func (r *Report) fail(name string, err error) {
	r.Steps = append(r.Steps, Step{Name: name, Status: "failed", Detail: err.Error()})
	r.Passed = false
}

func (r *Report) failf(name, format string, args ...any) {
	r.Steps = append(r.Steps, Step{Name: name, Status: "failed", Detail: fmt.Sprintf(format, args...)})
	r.Passed = false
}

// check records the step and reports whether the scenario may continue.
func (r *Report) check(name string, err error) bool {
	if err != nil {
		r.fail(name, err)
		return false
	}
	r.ok(name, nil)
	return true
}

// expectKind passes only when err carries exactly the wanted kind. A
// success or a different failure both count against the scenario.
func (r *Report) expectKind(name string, err error, want domain.Kind) bool {
	if err == nil {
		r.failf(name, "expected %s, call succeeded", want)
		return false
	}
	if !domain.IsKind(err, want) {
		r.failf(name, "expected %s, got %s: %v", want, domain.KindOf(err), err)
		return false
	}
	r.ok(name, map[string]any{"kind": want.String(), "error": err.Error()})
	return true
}

func equal[T comparable](r *Report, name string, got, want T) bool {
	if got != want {
		r.failf(name, "got %v, want %v", got, want)
		return false
	}
	r.ok(name, got)
	return true
}

func expectBalance(ctx context.Context, s *stack, r *Report, userID, want string) bool {
	name := "balance " + userID
	u, err := s.store.Users().Get(ctx, userID)
	if err != nil {
		r.fail(name, err)
		return false
	}
	if !u.Balance.Equal(decimal.RequireFromString(want)) {
		r.failf(name, "balance is %s, want %s", u.Balance, want)
		return false
	}
	r.ok(name, u.Balance.String())
	return true
}

func expectOrder(ctx context.Context, s *stack, r *Report, orderID string, status domain.OrderStatus, pay domain.PaymentStatus) bool {
	name := "order " + orderID
	o, err := s.store.Orders().Get(ctx, orderID)
	if err != nil {
		r.fail(name, err)
		return false
	}
	if o.Status != status || o.PaymentStatus != pay {
		r.failf(name, "order is %s/%s, want %s/%s", o.Status, o.PaymentStatus, status, pay)
		return false
	}
	r.ok(name, map[string]any{"status": o.Status, "payment_status": o.PaymentStatus})
	return true
}

func expectCounts(ctx context.Context, s *stack, r *Report, offerID string, want relational.BlockCounts) bool {
	name := "blocks " + offerID
	counts, err := s.blockCounts(ctx, offerID)
	if err != nil {
		r.fail(name, err)
		return false
	}
	if counts != want {
		r.failf(name, "counts are %+v, want %+v", counts, want)
		return false
	}
	r.ok(name, counts)
	return true
}

type scenario struct {
	name  string
	about string
	tune  tuning
	run   func(ctx context.Context, s *stack, r *Report)
}

var registry = []scenario{
	{
		name:  "success",
		about: "full delivery releases the escrowed principal to the seller",
		run:   runSuccess,
	},
	{
		name:  "fail",
		about: "a failed delivery refunds the buyer in full",
		run:   runFail,
	},
	{
		name:  "missing-block",
		about: "confirming an order that claimed no blocks is refused",
		run:   runMissingBlock,
	},
	{
		name:  "expired",
		about: "a lapsed hold is refunded by the reconciler before verification settles",
		tune:  tuning{escrow: escrow.Config{BlockDuration: 30 * time.Minute}},
		run:   runExpired,
	},
	{
		name:  "replay",
		about: "a duplicated confirm replays the recorded response without re-charging",
		run:   runReplay,
	},
	{
		name:  "conflicting",
		about: "concurrent claims on one offer never oversell it",
		run:   runConflicting,
	},
	{
		name:  "zero-qty",
		about: "a zero-quantity request drafts an order that cannot be confirmed",
		run:   runZeroQty,
	},
	{
		name:  "insufficient-balance",
		about: "a buyer without funds cannot move past escrow",
		run:   runInsufficientBalance,
	},
}

// Info describes one runnable scenario.
type Info struct {
	Name  string `json:"name"`
	About string `json:"about"`
}

// List returns the scenarios in their canonical order.
func List() []Info {
	out := make([]Info, 0, len(registry))
	for i := range registry {
		out = append(out, Info{Name: registry[i].name, About: registry[i].about})
	}
	return out
}

// Names returns the scenario names in their canonical order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for i := range registry {
		out = append(out, registry[i].name)
	}
	return out
}

// Run executes one scenario on a fresh stack. The error covers stack
// construction and unknown names; scenario-level failures land in the
// report instead.
func Run(ctx context.Context, name string) (*Report, error) {
	var sc *scenario
	for i := range registry {
		if registry[i].name == name {
			sc = &registry[i]
			break
		}
	}
	if sc == nil {
		return nil, domain.NewNotFoundError("scenarios.run", "unknown scenario", nil).
			WithDetail("scenario", name)
	}

	s, err := newStack(sc.tune)
	if err != nil {
		return nil, err
	}
	defer s.close()

	rep := &Report{Scenario: sc.name, Passed: true}
	sc.run(ctx, s, rep)
	return rep, nil
}

// RunAll executes every scenario in order, each on its own stack.
func RunAll(ctx context.Context) ([]Report, error) {
	out := make([]Report, 0, len(registry))
	for i := range registry {
		rep, err := Run(ctx, registry[i].name)
		if err != nil {
			return out, err
		}
		out = append(out, *rep)
	}
	return out, nil
}

// runSuccess buys three units, jumps past the delivery window and lets the
// verifier settle a full delivery: seller paid, blocks sold, order done.
func runSuccess(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1000")) {
		return
	}

	out, err := s.placeTrade(ctx, "buyer-1", "offer-1", 3)
	if err != nil {
		r.fail("place trade", err)
		return
	}
	r.ok("place trade", map[string]any{
		"transaction_id": out.TransactionID,
		"order_id":       out.OrderID,
		"claimed":        out.Claimed,
		"total_blocked":  out.Confirm.TotalBlocked.String(),
	})
	if !equal(r, "claimed", out.Claimed, int64(3)) {
		return
	}
	if !expectOrder(ctx, s, r, out.OrderID, domain.OrderActive, domain.PaymentEscrowed) {
		return
	}
	if !expectBalance(ctx, s, r, "buyer-1", "981.9946") {
		return
	}

	s.clk.Advance(3 * time.Hour)
	if !r.check("verifier sweep", s.ver.Sweep(ctx)) {
		return
	}

	expectOrder(ctx, s, r, out.OrderID, domain.OrderCompleted, domain.PaymentReleased)
	expectBalance(ctx, s, r, "seller-offer-1", "68")
	expectBalance(ctx, s, r, "buyer-1", "981.9946")
	expectCounts(ctx, s, r, "offer-1", relational.BlockCounts{Sold: 3})
}

// runFail scripts a failed delivery and checks the refund: the buyer gets
// the whole blocked amount back, the seller gets nothing.
func runFail(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1000")) {
		return
	}

	out, err := s.placeTrade(ctx, "buyer-1", "offer-1", 2)
	if err != nil {
		r.fail("place trade", err)
		return
	}
	r.ok("place trade", map[string]any{"order_id": out.OrderID, "claimed": out.Claimed})
	if !expectBalance(ctx, s, r, "buyer-1", "987.9964") {
		return
	}

	s.oracle.SetRatio(out.OrderID, 0)
	r.ok("script delivery", "oracle will report FAILED")

	s.clk.Advance(3 * time.Hour)
	if !r.check("verifier sweep", s.ver.Sweep(ctx)) {
		return
	}

	expectOrder(ctx, s, r, out.OrderID, domain.OrderCompleted, domain.PaymentRefunded)
	expectBalance(ctx, s, r, "buyer-1", "1000")
	expectBalance(ctx, s, r, "seller-offer-1", "50")
}

// runMissingBlock drains the offer with one buyer, then walks a second
// buyer into a draft that claimed nothing and watches confirm refuse it.
func runMissingBlock(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 2, "6")) {
		return
	}
	if !r.check("seed buyer a", s.seedBuyer(ctx, "buyer-a", "1000")) {
		return
	}
	if !r.check("seed buyer b", s.seedBuyer(ctx, "buyer-b", "1000")) {
		return
	}

	out, err := s.placeTrade(ctx, "buyer-a", "offer-1", 5)
	if err != nil {
		r.fail("buyer-a place trade", err)
		return
	}
	r.ok("buyer-a place trade", map[string]any{"order_id": out.OrderID, "claimed": out.Claimed})
	if !equal(r, "buyer-a claimed all stock", out.Claimed, int64(2)) {
		return
	}

	disc, err := s.bap.Discover(ctx, "", s.criteria(1))
	if err != nil {
		r.fail("buyer-b discover", err)
		return
	}
	init, err := s.bap.Init(ctx, disc.TransactionID, "offer-1", 1, "buyer-b")
	if err != nil {
		r.fail("buyer-b init", err)
		return
	}
	if !equal(r, "buyer-b claimed nothing", init.Claimed, int64(0)) {
		return
	}

	_, err = s.bap.Confirm(ctx, disc.TransactionID, init.OrderID, "buyer-b")
	r.expectKind("buyer-b confirm refused", err, domain.KindValidation)

	expectOrder(ctx, s, r, init.OrderID, domain.OrderDraft, domain.PaymentPending)
	expectBalance(ctx, s, r, "buyer-b", "1000")
}

// runExpired shortens the hold lifetime so the reconciler refunds the buyer
// before delivery, then checks verification still settles the order without
// paying anyone twice.
func runExpired(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1000")) {
		return
	}

	out, err := s.placeTrade(ctx, "buyer-1", "offer-1", 2)
	if err != nil {
		r.fail("place trade", err)
		return
	}
	r.ok("place trade", map[string]any{"order_id": out.OrderID, "claimed": out.Claimed})
	if !expectBalance(ctx, s, r, "buyer-1", "987.9964") {
		return
	}

	s.clk.Advance(40 * time.Minute)
	expired, err := s.esc.ReconcileExpired(ctx)
	if err != nil {
		r.fail("reconcile expired holds", err)
		return
	}
	if !equal(r, "holds expired", expired, 1) {
		return
	}
	if !expectBalance(ctx, s, r, "buyer-1", "1000") {
		return
	}

	s.clk.Advance(2*time.Hour + 20*time.Minute)
	if !r.check("verifier sweep", s.ver.Sweep(ctx)) {
		return
	}

	expectOrder(ctx, s, r, out.OrderID, domain.OrderCompleted, domain.PaymentRefunded)
	expectBalance(ctx, s, r, "buyer-1", "1000")
	expectBalance(ctx, s, r, "seller-offer-1", "50")
}

// runReplay sends the same confirm envelope twice. The second delivery must
// come back byte-identical from the event log and must not touch the ledger.
func runReplay(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1000")) {
		return
	}

	disc, err := s.bap.Discover(ctx, "", s.criteria(2))
	if err != nil {
		r.fail("discover", err)
		return
	}
	txnID := disc.TransactionID
	if !equal(r, "catalog size", len(disc.Catalog), 1) {
		return
	}
	if _, err := s.bap.Select(ctx, txnID, coordinator.SelectParams{OfferID: "offer-1", Qty: 2}); err != nil {
		r.fail("select", err)
		return
	}
	r.ok("select", nil)
	init, err := s.bap.Init(ctx, txnID, "offer-1", 2, "buyer-1")
	if err != nil {
		r.fail("init", err)
		return
	}
	r.ok("init", map[string]any{"order_id": init.OrderID, "claimed": init.Claimed})

	confirm, err := s.builder.NewRequest(protocol.ActionConfirm, txnID, protocol.ConfirmBody{
		OrderID: init.OrderID,
		BuyerID: "buyer-1",
	})
	if err != nil {
		r.fail("build confirm", err)
		return
	}

	first, err := s.bpp.Handle(ctx, confirm)
	if err != nil {
		r.fail("first confirm", err)
		return
	}
	r.ok("first confirm", first.Context.Action)

	second, err := s.bpp.Handle(ctx, confirm)
	if err != nil {
		r.fail("replayed confirm", err)
		return
	}
	rawFirst, err := first.Raw()
	if err != nil {
		r.fail("encode first response", err)
		return
	}
	rawSecond, err := second.Raw()
	if err != nil {
		r.fail("encode replayed response", err)
		return
	}
	if !bytes.Equal(rawFirst, rawSecond) {
		r.failf("replay equality", "replayed response differs from the recorded one")
		return
	}
	r.ok("replay equality", "responses are byte-identical")

	var body protocol.OnConfirmBody
	if err := second.Decode(&body); err != nil {
		r.fail("decode replayed response", err)
		return
	}
	equal(r, "replayed status", body.Status, domain.OrderActive)
	// Charged once: a second escrow would have doubled the debit.
	expectBalance(ctx, s, r, "buyer-1", "987.9964")
	expectOrder(ctx, s, r, init.OrderID, domain.OrderActive, domain.PaymentEscrowed)
}

// runConflicting races two buyers over a five block offer. Between them they
// may claim exactly the stock, never more.
func runConflicting(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 5, "6")) {
		return
	}
	if !r.check("seed buyer a", s.seedBuyer(ctx, "buyer-a", "1000")) {
		return
	}
	if !r.check("seed buyer b", s.seedBuyer(ctx, "buyer-b", "1000")) {
		return
	}

	discA, err := s.bap.Discover(ctx, "", s.criteria(3))
	if err != nil {
		r.fail("buyer-a discover", err)
		return
	}
	discB, err := s.bap.Discover(ctx, "", s.criteria(3))
	if err != nil {
		r.fail("buyer-b discover", err)
		return
	}

	var initA, initB *protocol.OnInitBody
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		initA, err = s.bap.Init(gctx, discA.TransactionID, "offer-1", 3, "buyer-a")
		return err
	})
	g.Go(func() error {
		var err error
		initB, err = s.bap.Init(gctx, discB.TransactionID, "offer-1", 3, "buyer-b")
		return err
	})
	if err := g.Wait(); err != nil {
		r.fail("concurrent init", err)
		return
	}
	r.ok("concurrent init", map[string]any{
		"buyer_a_claimed": initA.Claimed,
		"buyer_b_claimed": initB.Claimed,
	})

	equal(r, "claims cover the stock exactly", initA.Claimed+initB.Claimed, int64(5))
	expectCounts(ctx, s, r, "offer-1", relational.BlockCounts{Reserved: 5})
}

// runZeroQty shows the draft-then-refuse shape for an empty order: init
// accepts a zero claim, confirm will not activate it.
func runZeroQty(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1000")) {
		return
	}

	disc, err := s.bap.Discover(ctx, "", s.criteria(1))
	if err != nil {
		r.fail("discover", err)
		return
	}
	init, err := s.bap.Init(ctx, disc.TransactionID, "offer-1", 0, "buyer-1")
	if err != nil {
		r.fail("init", err)
		return
	}
	if !equal(r, "claimed", init.Claimed, int64(0)) {
		return
	}

	_, err = s.bap.Confirm(ctx, disc.TransactionID, init.OrderID, "buyer-1")
	r.expectKind("confirm refused", err, domain.KindValidation)

	expectOrder(ctx, s, r, init.OrderID, domain.OrderDraft, domain.PaymentPending)
	expectCounts(ctx, s, r, "offer-1", relational.BlockCounts{Available: 3})
}

// runInsufficientBalance walks a broke buyer to the escrow step and checks
// nothing moved: the order stays a draft and the claim stays reserved until
// its lease lapses.
func runInsufficientBalance(ctx context.Context, s *stack, r *Report) {
	if !r.check("seed market", s.seedMarket(ctx, "offer-1", 3, "6")) {
		return
	}
	if !r.check("seed buyer", s.seedBuyer(ctx, "buyer-1", "1")) {
		return
	}

	_, err := s.placeTrade(ctx, "buyer-1", "offer-1", 2)
	if !r.expectKind("place trade refused", err, domain.KindInsufficientBalance) {
		return
	}

	expectBalance(ctx, s, r, "buyer-1", "1")
	expectBalance(ctx, s, r, "seller-offer-1", "50")
	expectCounts(ctx, s, r, "offer-1", relational.BlockCounts{Available: 1, Reserved: 2})
}
