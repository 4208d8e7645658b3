// Package identify talks to the third-party device-identification service.
// Everything here is best-effort: background operations retry on a fixed
// interval and log terminal failure instead of propagating it.
package identify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mudward.io/mudward/internal/device"
	"mudward.io/mudward/internal/logging"
	"mudward.io/mudward/internal/metrics"
)

const (
	defaultAttempts = 10
	defaultInterval = 60 * time.Second
)

// Error reports a failed call to the identification service.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("identification service %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Guess is one MUD URL candidate the service proposes for a device.
type Guess struct {
	MudURL           string `json:"mud_url"`
	ManufacturerName string `json:"manufacturer_name,omitempty"`
	ModelName        string `json:"model_name,omitempty"`
}

// Client is an explicitly constructed service client; it is passed to
// consumers rather than held as process-wide state.
type Client struct {
	baseURL   string
	username  string
	password  string
	userAgent string
	http      *http.Client
	log       *logging.Logger
	attempts  int
	interval  time.Duration
}

// Options configures the client. Attempts and Interval exist so tests do not
// wait out the production retry schedule.
type Options struct {
	BaseURL  string
	Username string
	Password string
	Attempts int           // defaults to 10
	Interval time.Duration // defaults to 60s
	Timeout  time.Duration // per-request, defaults to 30s
}

// NewClient returns a client, or nil if no base URL is configured so callers
// can treat the call-out as disabled.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		return nil
	}
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		username:  opts.Username,
		password:  opts.Password,
		userAgent: "mudward-controller",
		http:      &http.Client{Timeout: opts.Timeout},
		log:       logging.WithComponent("identify"),
		attempts:  opts.Attempts,
		interval:  opts.Interval,
	}
}

type thingBody struct {
	MAC      string `json:"mac_addr"`
	IPv4     string `json:"ipv4_addr,omitempty"`
	IPv6     string `json:"ipv6_addr,omitempty"`
	Hostname string `json:"hostname,omitempty"`
}

// AddDevice registers a device with the service. Run detached; it retries on
// the fixed schedule and only logs when it gives up.
func (c *Client) AddDevice(ctx context.Context, dev device.Device) {
	body := thingBody{
		MAC:      dev.MAC,
		IPv4:     dev.IPv4,
		IPv6:     dev.IPv6,
		Hostname: dev.Hostname,
	}
	err := c.retryOp(ctx, "add-device", func(ctx context.Context) error {
		return c.post(ctx, "/things/", body)
	})
	if err != nil {
		c.log.Error("giving up on device registration", "mac", dev.MAC, "error", err)
	}
}

type describeBody struct {
	MAC    string `json:"mac_addr"`
	MudURL string `json:"mud_url"`
}

// DescribeDevice tells the service which MUD URL was chosen for a device.
// Same background contract as AddDevice.
func (c *Client) DescribeDevice(ctx context.Context, mac, mudURL string) {
	err := c.retryOp(ctx, "describe-device", func(ctx context.Context) error {
		return c.post(ctx, "/things/"+url.PathEscape(mac)+"/describe/", describeBody{MAC: mac, MudURL: mudURL})
	})
	if err != nil {
		c.log.Error("giving up on device description", "mac", mac, "error", err)
	}
}

// GuessDevice asks the service for MUD URL candidates. Foreground: the
// caller wants the answer, so there is no retry loop here.
func (c *Client) GuessDevice(ctx context.Context, dev device.Device) ([]Guess, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/mud/guess_thing/"+url.PathEscape(dev.MAC)+"/", nil)
	if err != nil {
		return nil, &Error{Op: "guess-device", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: "guess-device", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Op: "guess-device", Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	var parsed struct {
		Results []Guess `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &Error{Op: "guess-device", Err: err}
	}
	return parsed.Results, nil
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// retryOp runs f up to c.attempts times, sleeping the fixed interval between
// failures. It returns the last error once the budget is spent.
func (c *Client) retryOp(ctx context.Context, op string, f func(context.Context) error) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = f(ctx); err == nil {
			metrics.Get().IdentifyCalls.WithLabelValues(op, "ok").Inc()
			return nil
		}
		metrics.Get().IdentifyCalls.WithLabelValues(op, "error").Inc()
		if attempt >= c.attempts {
			break
		}
		c.log.Debug("call failed, will retry", "op", op, "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return &Error{Op: op, Err: ctx.Err()}
		case <-time.After(c.interval):
		}
	}
	return &Error{Op: op, Err: err}
}
