package tontine

import "context"

// PaymentRail is the external Lightning payment service. Implementations
// live under rail/. Every method may fail; the engine wraps failures in
// ExternalServiceError.
type PaymentRail interface {
	CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error)
	CheckStatus(ctx context.Context, externalPaymentID string) (*InvoiceStatus, error)
	Disburse(ctx context.Context, target string, amount int64) (*Disbursement, error)
}

type Invoice struct {
	ExternalPaymentID string
	PaymentRequest    string // BOLT11
}

type InvoiceStatus struct {
	Settled bool
	Amount  int64
}

type Disbursement struct {
	ExternalPaymentID string
	Fee               int64 // routing fee paid by the platform, sats
}
