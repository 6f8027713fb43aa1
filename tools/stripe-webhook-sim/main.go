package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// Same values as services/booking-service/internal/billing.
const (
	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
	eventChargeRefunded   = "charge.refunded"
	metaBillingRecordID   = "billing_record_id"
)

func main() {
	var (
		baseURL  = flag.String("base-url", getenv("BASE_URL", "http://localhost:8083"), "booking-service base url")
		evtType  = flag.String("type", getenv("STRIPE_EVENT_TYPE", eventPaymentSucceeded), "stripe event type")
		eventID  = flag.String("event-id", getenv("STRIPE_EVENT_ID", ""), "event id; reuse one to exercise redelivery")
		intentID = flag.String("intent-id", getenv("PAYMENT_INTENT_ID", ""), "payment intent id")
		recordID = flag.String("billing-record-id", getenv("BILLING_RECORD_ID", ""), "billing_record_id metadata")
		amount   = flag.Int64("amount-cents", 0, "amount received in cents")
		secret   = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*intentID) == "" && strings.TrimSpace(*recordID) == "" {
		fatal("PAYMENT_INTENT_ID or BILLING_RECORD_ID is required")
	}

	now := time.Now().UTC()
	if *eventID == "" {
		*eventID = fmt.Sprintf("evt_test_%d", now.UnixNano())
	}

	payload, err := buildEventJSON(*eventID, *evtType, now, *intentID, *recordID, *amount)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/billing/webhook", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("event=%s status=%d body=%s\n", *eventID, resp.StatusCode, strings.TrimSpace(string(body)))
}

func buildEventJSON(eventID, eventType string, t time.Time, intentID, recordID string, amount int64) ([]byte, error) {
	metadata := map[string]string{}
	if recordID != "" {
		metadata[metaBillingRecordID] = recordID
	}

	var object map[string]any
	switch eventType {
	case eventPaymentSucceeded, eventPaymentFailed:
		object = map[string]any{
			"id":              intentID,
			"object":          "payment_intent",
			"amount_received": amount,
			"metadata":        metadata,
		}
	case eventChargeRefunded:
		object = map[string]any{
			"id":              "ch_test_" + eventID,
			"object":          "charge",
			"payment_intent":  intentID,
			"amount_refunded": amount,
			"metadata":        metadata,
		}
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}

	return json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     t.Unix(),
		"type":        eventType,
		"api_version": stripe.APIVersion,
		"data":        map[string]any{"object": object},
	})
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
