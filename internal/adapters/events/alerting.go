package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kvasirlabs/beacon/internal/domain/fanout"
	"github.com/kvasirlabs/beacon/internal/domain/geo"
	"github.com/kvasirlabs/beacon/internal/domain/sos"
)

// smsRequest is the body posted to the SMS gateway webhook.
type smsRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Ref     string `json:"ref"`
}

// SMSGatewayAlerting implements fanout.Alerting against an HTTP SMS
// gateway. The message goes to the user's emergency contact, falling
// back to their own number when none is configured.
type SMSGatewayAlerting struct {
	url    string
	token  string
	index  *geo.Index
	client *http.Client
}

// NewSMSGatewayAlerting creates a gateway client. client may be nil.
func NewSMSGatewayAlerting(url, token string, index *geo.Index, client *http.Client) *SMSGatewayAlerting {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SMSGatewayAlerting{
		url:    url,
		token:  token,
		index:  index,
		client: client,
	}
}

// Notify sends one escalation SMS for the event.
func (a *SMSGatewayAlerting) Notify(ctx context.Context, ev sos.Event) error {
	rec, ok := a.index.Get(ev.UserID)
	if !ok {
		return fmt.Errorf("unknown user %s for event %s", ev.UserID, ev.ID)
	}

	to := rec.EmergencyContact
	if to == "" {
		to = rec.Phone
	}

	body, err := json.Marshal(smsRequest{
		To:      to,
		Message: smsMessage(ev),
		Ref:     ev.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal sms request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// smsMessage renders the escalation text. The position is omitted rather
// than guessed when the event is degraded.
func smsMessage(ev sos.Event) string {
	when := ev.CreatedAt.UTC().Format(time.RFC3339)
	if ev.Location == nil {
		return fmt.Sprintf("EMERGENCY: SOS raised at %s. Location unavailable.", when)
	}
	return fmt.Sprintf("EMERGENCY: SOS raised at %s. Location: %.5f,%.5f (±%.0fm).",
		when, ev.Location.Lat, ev.Location.Lng, ev.Location.AccuracyM)
}

var _ fanout.Alerting = (*SMSGatewayAlerting)(nil)
