package webhook

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/slotline/relay/telemetry"
)

const (
	relayUserAgent  = "slotline-relay/1.0"
	maxResponseSize = 4 * 1024
)

// Dispatcher performs the outbound HTTP POST for a delivery attempt. It is
// stateless: claim/settle bookkeeping lives in the Coordinator.
type Dispatcher struct {
	client *http.Client
	sender string
}

// NewDispatcher creates a dispatcher. sender identifies this relay instance
// in the X-Relay-Sender header so receivers can tell instances apart.
func NewDispatcher(timeout time.Duration, sender string) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: timeout},
		sender: sender,
	}
}

// Deliver POSTs the attempt payload to its endpoint URL. Any 2xx response
// counts as delivered; everything else, including transport errors, is a
// failed attempt for the retry cycle to settle.
func (d *Dispatcher) Deliver(ctx context.Context, attempt Attempt) Outcome {
	startTime := time.Now()
	out := d.post(ctx, attempt)
	out.At = time.Now()
	telemetry.WebhookDeliverySeconds.Observe(time.Since(startTime).Seconds())
	return out
}

func (d *Dispatcher) post(ctx context.Context, attempt Attempt) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, attempt.URL,
		bytes.NewReader(attempt.Payload))
	if err != nil {
		return Outcome{Err: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", relayUserAgent)
	req.Header.Set("X-Relay-Sender", d.sender)
	req.Header.Set("X-Relay-Event-Id", strconv.FormatUint(attempt.ChangeEventID, 10))

	resp, err := d.client.Do(req)
	if err != nil {
		return Outcome{Err: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	return Outcome{
		StatusCode: resp.StatusCode,
		Response:   string(body),
	}
}

// Delivered reports whether the outcome counts as a successful delivery.
func (o Outcome) Delivered() bool {
	return o.Err == "" && o.StatusCode >= 200 && o.StatusCode < 300
}
