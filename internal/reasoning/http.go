package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	otelPkg "github.com/basket/warden/internal/otel"
)

// HTTPDecider calls an external reasoning service speaking JSON:
//
//	POST {endpoint}/intent  Input -> Intent
//	POST {endpoint}/decide  {"intent": Intent, "observations": [Observation]} -> Plan
type HTTPDecider struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func NewHTTPDecider(endpoint, token string, timeout time.Duration) *HTTPDecider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDecider{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Token:    token,
		Client:   &http.Client{Timeout: timeout},
	}
}

func (d *HTTPDecider) ParseIntent(ctx context.Context, in Input) (Intent, error) {
	var out Intent
	err := d.post(ctx, "/intent", in, &out)
	return out, err
}

func (d *HTTPDecider) Decide(ctx context.Context, intent Intent, obs []Observation) (Plan, error) {
	body := struct {
		Intent       Intent        `json:"intent"`
		Observations []Observation `json:"observations"`
	}{intent, obs}
	var out Plan
	err := d.post(ctx, "/decide", body, &out)
	return out, err
}

func (d *HTTPDecider) post(ctx context.Context, path string, in, out any) error {
	ctx, span := otelPkg.StartClientSpan(ctx, otelPkg.Tracer(), "reasoning"+strings.ReplaceAll(path, "/", "."))
	defer span.End()

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.Endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if d.Token != "" {
		req.Header.Set("Authorization", "Bearer "+d.Token)
	}

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reasoning %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("reasoning %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
