/*
Package lnd implements tontine.PaymentRail against an LND node's REST API.

ENDPOINTS:
  POST /v1/invoices                  create a BOLT11 invoice
  GET  /v1/invoice/{r_hash_hex}      look up an invoice
  POST /v2/router/send_payment_v2    pay an invoice; the response is a
                                     stream of newline-delimited JSON
                                     payment updates

AUTH:
  The admin (or invoice + router) macaroon is sent hex-encoded in the
  Grpc-Metadata-macaroon header.

IDENTIFIERS:
  ExternalPaymentID is the hex payment hash, for invoices we create and for
  payments we send.

PAYOUT TARGETS:
  A member's payout target is a BOLT11 invoice without an amount; the
  amount is supplied with the payment.
*/
package lnd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sunusav/tontine-engine/tontine"
)

// Config holds the node connection settings.
type Config struct {
	BaseURL       string // e.g. https://127.0.0.1:8080
	MacaroonHex   string
	Timeout       time.Duration // per call; payments get Timeout as their routing deadline too
	InvoiceExpiry time.Duration
	FeeLimitSat   int64 // maximum routing fee per payout, 0 = no limit
	HTTPClient    *http.Client
}

// Client is an LND REST client.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ tontine.PaymentRail = (*Client)(nil)

// ErrPaymentFailed is returned when LND reports a terminal FAILED payment.
var ErrPaymentFailed = errors.New("lnd: payment failed")

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("lnd: base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, http: hc}, nil
}

// =============================================================================
// INVOICES
// =============================================================================

type addInvoiceRequest struct {
	Value  string `json:"value"`
	Memo   string `json:"memo"`
	Expiry string `json:"expiry"`
}

type addInvoiceResponse struct {
	RHash          string `json:"r_hash"` // base64
	PaymentRequest string `json:"payment_request"`
}

func (c *Client) CreateInvoice(ctx context.Context, amount int64, memo string) (*tontine.Invoice, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("lnd: invoice amount must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out addInvoiceResponse
	err := c.do(ctx, http.MethodPost, "/v1/invoices", addInvoiceRequest{
		Value:  strconv.FormatInt(amount, 10),
		Memo:   memo,
		Expiry: strconv.FormatInt(int64(c.cfg.InvoiceExpiry/time.Second), 10),
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("lnd: add invoice: %w", err)
	}

	hash, err := base64.StdEncoding.DecodeString(out.RHash)
	if err != nil || len(hash) == 0 {
		return nil, fmt.Errorf("lnd: add invoice: bad r_hash %q", out.RHash)
	}
	return &tontine.Invoice{
		ExternalPaymentID: hex.EncodeToString(hash),
		PaymentRequest:    out.PaymentRequest,
	}, nil
}

type lookupInvoiceResponse struct {
	State      string `json:"state"` // OPEN, SETTLED, CANCELED, ACCEPTED
	Settled    bool   `json:"settled"`
	AmtPaidSat string `json:"amt_paid_sat"`
}

func (c *Client) CheckStatus(ctx context.Context, externalPaymentID string) (*tontine.InvoiceStatus, error) {
	if _, err := hex.DecodeString(externalPaymentID); err != nil {
		return nil, fmt.Errorf("lnd: payment id must be a hex payment hash")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var out lookupInvoiceResponse
	if err := c.do(ctx, http.MethodGet, "/v1/invoice/"+externalPaymentID, nil, &out); err != nil {
		return nil, fmt.Errorf("lnd: lookup invoice: %w", err)
	}

	st := &tontine.InvoiceStatus{Settled: out.Settled || out.State == "SETTLED"}
	if out.AmtPaidSat != "" {
		amt, err := strconv.ParseInt(out.AmtPaidSat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lnd: lookup invoice: bad amt_paid_sat %q", out.AmtPaidSat)
		}
		st.Amount = amt
	}
	return st, nil
}

// =============================================================================
// PAYMENTS
// =============================================================================

type sendPaymentRequest struct {
	PaymentRequest string `json:"payment_request"`
	Amt            string `json:"amt,omitempty"`
	TimeoutSeconds int32  `json:"timeout_seconds"`
	FeeLimitSat    string `json:"fee_limit_sat,omitempty"`
}

type paymentUpdate struct {
	Status        string `json:"status"` // IN_FLIGHT, SUCCEEDED, FAILED
	PaymentHash   string `json:"payment_hash"`
	FeeSat        string `json:"fee_sat"`
	FailureReason string `json:"failure_reason"`
}

// streamLine is one line of a streaming REST response.
type streamLine struct {
	Result *paymentUpdate `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Disburse(ctx context.Context, target string, amount int64) (*tontine.Disbursement, error) {
	if target == "" {
		return nil, fmt.Errorf("lnd: payout target is empty")
	}
	if amount <= 0 {
		return nil, fmt.Errorf("lnd: payout amount must be positive")
	}
	// Allow LND's own routing deadline to expire before ours does.
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout+10*time.Second)
	defer cancel()

	req := sendPaymentRequest{
		PaymentRequest: target,
		Amt:            strconv.FormatInt(amount, 10),
		TimeoutSeconds: int32(c.cfg.Timeout / time.Second),
	}
	if c.cfg.FeeLimitSat > 0 {
		req.FeeLimitSat = strconv.FormatInt(c.cfg.FeeLimitSat, 10)
	}

	resp, err := c.send(ctx, http.MethodPost, "/v2/router/send_payment_v2", req)
	if err != nil {
		return nil, fmt.Errorf("lnd: send payment: %w", err)
	}
	defer resp.Body.Close()

	final, err := readFinalUpdate(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("lnd: send payment: %w", err)
	}
	if final.Status != "SUCCEEDED" {
		return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, final.FailureReason)
	}

	var fee int64
	if final.FeeSat != "" {
		fee, err = strconv.ParseInt(final.FeeSat, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("lnd: send payment: bad fee_sat %q", final.FeeSat)
		}
	}
	return &tontine.Disbursement{ExternalPaymentID: final.PaymentHash, Fee: fee}, nil
}

// readFinalUpdate consumes the payment update stream until a terminal
// status. Lines may be wrapped in {"result": ...} or bare.
func readFinalUpdate(r io.Reader) (*paymentUpdate, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var last *paymentUpdate
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var wrapped streamLine
		if err := json.Unmarshal(line, &wrapped); err != nil {
			continue
		}
		if wrapped.Error != nil {
			return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, wrapped.Error.Message)
		}
		u := wrapped.Result
		if u == nil {
			var bare paymentUpdate
			if err := json.Unmarshal(line, &bare); err != nil || bare.Status == "" {
				continue
			}
			u = &bare
		}
		last = u
		if u.Status == "SUCCEEDED" || u.Status == "FAILED" {
			return u, nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("no payment updates received")
	}
	return nil, fmt.Errorf("stream ended with payment %s", last.Status)
}

// =============================================================================
// TRANSPORT
// =============================================================================

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// send performs the request and returns the response if the status is 200.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.MacaroonHex != "" {
		req.Header.Set("Grpc-Metadata-macaroon", c.cfg.MacaroonHex)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}
