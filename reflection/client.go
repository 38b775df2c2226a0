// Package reflection calls the generative reflection edge function. The
// engine treats the generated text as an opaque blob; only the business
// errors are interpreted.
package reflection

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotEnoughData means the user has too little new content since the
	// last reflection.
	ErrNotEnoughData = errors.New("not enough new data for a reflection")
	// ErrCooldown means the per-user cooldown has not elapsed.
	ErrCooldown = errors.New("reflection cooldown not elapsed")
)

// Result is a generated reflection plus its token usage.
type Result struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokensUsed"`
}

type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

type generateRequest struct {
	UserID string `json:"userId"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Generate invokes the edge function for one user. Transport failures are
// retried with exponential backoff; business errors are returned as-is and
// never retried.
func (c *Client) Generate(ctx context.Context, userID string) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 45 * time.Second

	var result *Result
	operation := func() error {
		res, err := c.generate(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrNotEnoughData) || errors.Is(err, ErrCooldown) {
				return backoff.Permanent(err)
			}
			log.WithFields(log.Fields{
				"user":  userID,
				"error": err,
			}).Warn("Reflection call failed, retrying")
			return err
		}
		result = res
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) generate(ctx context.Context, userID string) (*Result, error) {
	body, err := json.Marshal(generateRequest{UserID: userID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("reflection request failed: %w", err)
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading reflection response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusOK:
		var result Result
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, fmt.Errorf("decoding reflection response: %w", err)
		}
		return &result, nil

	case res.StatusCode >= 400 && res.StatusCode < 500:
		var businessErr errorResponse
		if err := json.Unmarshal(payload, &businessErr); err == nil {
			switch businessErr.Error {
			case "not_enough_data":
				return nil, ErrNotEnoughData
			case "cooldown":
				return nil, ErrCooldown
			}
		}
		return nil, fmt.Errorf("reflection rejected: status %d: %s", res.StatusCode, payload)

	default:
		return nil, fmt.Errorf("reflection service error: status %d", res.StatusCode)
	}
}
