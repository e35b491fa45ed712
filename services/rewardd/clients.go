package rewardd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"incentives/native/orchestrator"
)

// errDefinite marks failures where the remote side certainly did not apply
// the request.
var errDefinite = errors.New("rewardd: request rejected")

func newBreaker(name string, cfg ServiceConfig) *gobreaker.CircuitBreaker {
	maxFailures := cfg.MaxFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: cfg.BreakerTimeout.Duration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, errDefinite)
		},
	})
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

// HTTPTierSource looks up participant tiers from the membership service.
type HTTPTierSource struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPTierSource builds a tier client for cfg.
func NewHTTPTierSource(cfg ServiceConfig) *HTTPTierSource {
	return &HTTPTierSource{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   newHTTPClient(cfg.Timeout.Duration),
		breaker:  newBreaker("tier", cfg),
	}
}

type tierResponse struct {
	Tier uint8 `json:"tier"`
}

// Tier implements orchestrator.TierSource.
func (s *HTTPTierSource) Tier(ctx context.Context, participant common.Address) (uint8, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/v1/tiers/"+participant.Hex(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			return uint8(0), nil
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("tier service status %d", resp.StatusCode)
		}
		var body tierResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return nil, fmt.Errorf("decode tier response: %w", err)
		}
		return body.Tier, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(uint8), nil
}

// HTTPCreditor credits balances through the ledger service. The
// contribution ID travels as the Idempotency-Key header.
type HTTPCreditor struct {
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// NewHTTPCreditor builds a credit client for cfg.
func NewHTTPCreditor(cfg ServiceConfig) *HTTPCreditor {
	return &HTTPCreditor{
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		client:   newHTTPClient(cfg.Timeout.Duration),
		breaker:  newBreaker("credit", cfg),
	}
}

type creditRequest struct {
	Participant    string `json:"participant"`
	Amount         string `json:"amount"`
	ContributionID string `json:"contribution_id"`
}

// Credit implements orchestrator.Creditor. An open breaker and 4xx responses
// are definite failures; transport errors and 5xx responses leave the outcome
// unknown.
func (c *HTTPCreditor) Credit(ctx context.Context, participant common.Address, amount *big.Int, contributionID common.Hash) error {
	payload, err := json.Marshal(creditRequest{
		Participant:    participant.Hex(),
		Amount:         amount.String(),
		ContributionID: contributionID.Hex(),
	})
	if err != nil {
		return err
	}
	_, err = c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/credits", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errDefinite, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", contributionID.Hex())
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrCreditOutcomeUnknown, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return nil, fmt.Errorf("%w: credit service status %d", errDefinite, resp.StatusCode)
		default:
			return nil, fmt.Errorf("%w: credit service status %d", orchestrator.ErrCreditOutcomeUnknown, resp.StatusCode)
		}
	})
	return err
}
