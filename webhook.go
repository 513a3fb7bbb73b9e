package tempo

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 signature of a webhook body.
const SignatureHeader = "X-Tempo-Signature"

// maxWebhookBody bounds the size of an accepted webhook request.
const maxWebhookBody = 1 << 20

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is the body the remote store POSTs for every row change.
type WebhookPayload struct {
	Source string      `json:"source"`
	Change ChangeEvent `json:"change"`
}

const webhookSource = "tempo"

// ============================================================================
// Standalone Functions
// ============================================================================

const signaturePrefix = "sha256="

// VerifyWebhookSignature reports whether signature is the HMAC-SHA256 of body
// under secret, hex encoded. The "sha256=" prefix is optional.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || secret == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, signaturePrefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, bodyMAC(body, secret))
}

// SignWebhookBody returns the SignatureHeader value for body.
func SignWebhookBody(body, secret string) string {
	return signaturePrefix + hex.EncodeToString(bodyMAC(body, secret))
}

func bodyMAC(body, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = io.WriteString(mac, body)
	return mac.Sum(nil)
}

// ParseWebhookPayload parses a raw webhook body into a typed WebhookPayload.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	if payload.Source != webhookSource {
		return nil, fmt.Errorf("unknown webhook source: %s", payload.Source)
	}
	switch payload.Change.Type {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return nil, fmt.Errorf("unknown change type %q in webhook payload", payload.Change.Type)
	}
	if payload.Change.Table == "" {
		return nil, fmt.Errorf("missing table in webhook payload")
	}
	if _, err := payload.Change.RecordID(); err != nil {
		return nil, fmt.Errorf("missing record in webhook payload: %w", err)
	}
	return &payload, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a Feed fed by signed HTTP callbacks from the remote store.
// Mount HTTPHandler on a reachable address and subscribe as with any Feed.
type WebhookFeed struct {
	secret string
	broker *Broker
	logger *slog.Logger
}

// NewWebhookFeed creates a webhook feed verifying requests with secret.
func NewWebhookFeed(secret string, logger *slog.Logger) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &WebhookFeed{
		secret: secret,
		broker: NewBroker(0, logger),
		logger: logger,
	}, nil
}

func (w *WebhookFeed) Subscribe(ctx context.Context, topic Topic) (Subscription, error) {
	return w.broker.Subscribe(ctx, topic)
}

// Close ends every subscription.
func (w *WebhookFeed) Close() error { return w.broker.Close() }

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// WebhookResponse is the JSON body answered to every delivery.
type WebhookResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func rejected(msg string) WebhookResponse { return WebhookResponse{Error: msg} }

// Handle verifies, parses and publishes one delivery and returns the status
// and body to answer with.
func (w *WebhookFeed) Handle(body, signature string) (int, WebhookResponse) {
	if !w.Verify(body, signature) {
		w.logger.Warn("webhook signature rejected")
		return http.StatusUnauthorized, rejected("invalid signature")
	}
	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, rejected(err.Error())
	}

	w.broker.Publish(payload.Change)
	w.logger.Debug("webhook change received", "table", payload.Change.Table, "type", payload.Change.Type)
	return http.StatusOK, WebhookResponse{OK: true}
}

// HTTPHandler serves deliveries: POST only, body of at most 1 MiB, signature
// in SignatureHeader.
//
//	feed, _ := tempo.NewWebhookFeed("secret", nil)
//	http.Handle("/webhook", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if r.Method != http.MethodPost {
			rw.Header().Set("Allow", http.MethodPost)
			writeJSON(rw, http.StatusMethodNotAllowed, rejected("method not allowed"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(rw, http.StatusRequestEntityTooLarge, rejected("body too large"))
				return
			}
			writeJSON(rw, http.StatusBadRequest, rejected("failed to read body"))
			return
		}
		status, resp := w.Handle(string(body), r.Header.Get(SignatureHeader))
		writeJSON(rw, status, resp)
	})
}

func writeJSON(rw http.ResponseWriter, status int, resp WebhookResponse) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(resp)
}
