/*
webhook.go - Settlement notifications from the payment rail

PURPOSE:
  POST /webhook/settlement is the only unauthenticated write endpoint. It
  is protected by an HMAC-SHA256 of the exact raw body, sent hex encoded in
  X-Signature (an optional "sha256=" prefix is accepted).

STATUS CODES:
  200  accepted: settled, duplicate, ignored or flagged (late)
  400  unreadable or malformed body
  401  signature missing or wrong; state untouched, one audit entry
  404  unknown external_payment_id
  422  amount differs from the contribution
  409  busy (lock contention), retry

  The rail retries on non-2xx, so every no-op is a 200.

SEE ALSO:
  - tontine/settlement.go: the state transition itself
*/
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sunusav/tontine-engine/tontine"
)

const (
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="

	maxWebhookBytes = 64 << 10
)

// Sign returns the X-Signature value for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body in constant time.
func VerifySignature(secret, body []byte, header string) bool {
	if len(secret) == 0 || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// SettlementWebhook applies a payment rail notification.
func (h *Handler) SettlementWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.Engine.Settlement.Reject(ctx, "unreadable_body", map[string]any{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "Unreadable body", err)
		return
	}

	if !VerifySignature(h.webhookSecret, body, r.Header.Get(SignatureHeader)) {
		h.Engine.Settlement.Reject(ctx, "invalid_signature", map[string]any{
			"remote_addr": r.RemoteAddr,
			"body_bytes":  len(body),
		})
		writeError(w, http.StatusUnauthorized, "Invalid signature", tontine.ErrInvalidSignature)
		return
	}

	var req SettlementNotificationRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.Engine.Settlement.Reject(ctx, "malformed_body", map[string]any{"error": err.Error()})
		writeError(w, http.StatusBadRequest, "Malformed notification", err)
		return
	}

	res, err := h.Engine.HandleSettlement(ctx, tontine.Notification{
		ExternalPaymentID: req.ExternalPaymentID,
		Settled:           req.Settled,
		Amount:            req.Amount,
	})
	if err != nil {
		var ve *tontine.ValidationError
		if errors.As(err, &ve) && ve.Field == "amount" {
			writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "Amount mismatch", Field: ve.Field, Details: ve.Reason})
			return
		}
		h.writeEngineError(w, r, err)
		return
	}

	resp := SettlementResponse{
		Outcome: string(res.Outcome),
		Reason:  res.Reason,
		Payout:  toPayoutDTO(res.Payout),
	}
	if res.Contribution != nil {
		resp.ContributionID = res.Contribution.ID
	}
	writeJSON(w, http.StatusOK, resp)
}
