// Package mock is an in-process tontine.PaymentRail for development and
// tests. Invoices settle only when told to (Settle), and disbursement can
// be made to fail on demand.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sunusav/tontine-engine/tontine"
)

// ErrUnavailable is returned by calls made while the rail is set to fail.
var ErrUnavailable = errors.New("mock rail: unavailable")

type invoice struct {
	amount  int64
	memo    string
	settled bool
}

// Payment records one Disburse call that succeeded.
type Payment struct {
	ExternalPaymentID string
	Target            string
	Amount            int64
	Fee               int64
}

// Rail is a scriptable payment rail.
type Rail struct {
	mu       sync.Mutex
	invoices map[string]*invoice
	payments []Payment

	failInvoices  bool
	failDisburse  bool
	routingFee    int64
	disburseCalls int
}

var _ tontine.PaymentRail = (*Rail)(nil)

func New() *Rail {
	return &Rail{invoices: make(map[string]*invoice)}
}

func (r *Rail) CreateInvoice(_ context.Context, amount int64, memo string) (*tontine.Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failInvoices {
		return nil, ErrUnavailable
	}
	sum := sha256.Sum256([]byte(uuid.NewString()))
	id := hex.EncodeToString(sum[:])
	r.invoices[id] = &invoice{amount: amount, memo: memo}
	return &tontine.Invoice{
		ExternalPaymentID: id,
		PaymentRequest:    fmt.Sprintf("lnbcrt%dn1p%s", amount, id[:40]),
	}, nil
}

func (r *Rail) CheckStatus(_ context.Context, externalPaymentID string) (*tontine.InvoiceStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[externalPaymentID]
	if !ok {
		return nil, fmt.Errorf("mock rail: unknown invoice %s", externalPaymentID)
	}
	st := &tontine.InvoiceStatus{Settled: inv.settled}
	if inv.settled {
		st.Amount = inv.amount
	}
	return st, nil
}

func (r *Rail) Disburse(_ context.Context, target string, amount int64) (*tontine.Disbursement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disburseCalls++
	if r.failDisburse {
		return nil, ErrUnavailable
	}
	p := Payment{
		ExternalPaymentID: uuid.NewString(),
		Target:            target,
		Amount:            amount,
		Fee:               r.routingFee,
	}
	r.payments = append(r.payments, p)
	return &tontine.Disbursement{ExternalPaymentID: p.ExternalPaymentID, Fee: p.Fee}, nil
}

// =============================================================================
// SCRIPTING
// =============================================================================

// Settle marks an invoice paid on the rail side. It returns the invoice
// amount so callers can build a matching notification.
func (r *Rail) Settle(externalPaymentID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[externalPaymentID]
	if !ok {
		return 0, fmt.Errorf("mock rail: unknown invoice %s", externalPaymentID)
	}
	inv.settled = true
	return inv.amount, nil
}

func (r *Rail) SetFailInvoices(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failInvoices = fail
}

func (r *Rail) SetFailDisburse(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failDisburse = fail
}

func (r *Rail) SetRoutingFee(sats int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routingFee = sats
}

// Payments returns the successful disbursements so far.
func (r *Rail) Payments() []Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Payment(nil), r.payments...)
}

// DisburseCalls counts every Disburse call, failed or not.
func (r *Rail) DisburseCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disburseCalls
}

// InvoiceCount returns the number of invoices created.
func (r *Rail) InvoiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.invoices)
}
