// Package backend is the HTTP client for the ride API this core depends on.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/ride-sync/internal/models"
)

// ErrOTPRejected is returned when the server refuses a trip-start code.
var ErrOTPRejected = errors.New("otp rejected by server")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Code)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Code, e.Message)
}

// IsTransient reports whether retrying later could succeed: transport
// failures, timeouts, 5xx and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// Client talks to the ride API with the rider's bearer token.
type Client struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// GetRide fetches the full ride snapshot (poll source).
func (c *Client) GetRide(ctx context.Context, rideID string) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodGet, "/rides/"+url.PathEscape(rideID), nil, &out)
	return out, err
}

// CancelRide asks the server to cancel; it returns the server's resulting snapshot.
func (c *Client) CancelRide(ctx context.Context, rideID string, p models.CancelPayload) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodPut, "/rides/"+url.PathEscape(rideID)+"/cancel", p, &out)
	return out, err
}

// StartRide submits a trip-start code. The server is the only verifier.
func (c *Client) StartRide(ctx context.Context, rideID, code string) (models.RideSnapshot, error) {
	var out models.RideSnapshot
	err := c.do(ctx, http.MethodPost, "/rides/"+url.PathEscape(rideID)+"/start", map[string]string{"otp": code}, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 && se.Code != http.StatusTooManyRequests {
		return out, fmt.Errorf("%w: %v", ErrOTPRejected, se)
	}
	return out, err
}

func (c *Client) SearchLocations(ctx context.Context, query string, limit int) ([]models.Location, error) {
	q := url.Values{}
	q.Set("search", query)
	q.Set("limit", fmt.Sprint(limit))
	var out []models.Location
	err := c.do(ctx, http.MethodGet, "/locations?"+q.Encode(), nil, &out)
	return out, err
}

func (c *Client) CreateSubscription(ctx context.Context, sub models.RecurringSubscription) (models.RecurringSubscription, error) {
	var out models.RecurringSubscription
	err := c.do(ctx, http.MethodPost, "/subscriptions", sub, &out)
	return out, err
}

func (c *Client) CancelSubscription(ctx context.Context, id string) (models.RecurringSubscription, error) {
	var out models.RecurringSubscription
	err := c.do(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(id)+"/cancel", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %w", models.ErrMalformedPayload, method, path, err)
	}
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.Client == nil {
		return http.DefaultClient
	}
	return c.Client
}

func errorMessage(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	var env struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		if env.Message != "" {
			return env.Message
		}
		if env.Error != "" {
			return env.Error
		}
	}
	return strings.TrimSpace(string(b))
}
