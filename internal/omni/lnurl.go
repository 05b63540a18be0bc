package omni

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
	"github.com/mbd888/ecashwallet/internal/retry"
)

const (
	lnurlTimeout  = 10 * time.Second
	maxLnurlBytes = 64 << 10
	payRequestTag = "payRequest"
)

// payRequest is the LNURL-pay first-step response (LUD-06).
type payRequest struct {
	Tag         string       `json:"tag"`
	Callback    string       `json:"callback"`
	MinSendable amount.MSats `json:"minSendable"`
	MaxSendable amount.MSats `json:"maxSendable"`
	Metadata    string       `json:"metadata"`
	Status      string       `json:"status"`
	Reason      string       `json:"reason"`
}

// EndpointChecker vets a URL before it is fetched.
type EndpointChecker interface {
	Validate(ctx context.Context, rawURL string) error
}

// Resolver fetches LNURL-pay parameters.
type Resolver struct {
	client  *http.Client
	policy  retry.Policy
	checker EndpointChecker
	logger  *slog.Logger
}

// NewResolver creates an LNURL resolver.
func NewResolver(logger *slog.Logger) *Resolver {
	return &Resolver{
		client: &http.Client{Timeout: lnurlTimeout},
		policy: retry.Policy{
			Attempts:  2,
			BaseDelay: 250 * time.Millisecond,
			MaxDelay:  time.Second,
			OnRetry: func(attempt int, err error, wait time.Duration) {
				logger.Warn("lnurl fetch failed, retrying", "attempt", attempt, "wait", wait, "error", err)
			},
		},
		logger: logger,
	}
}

// WithEndpointChecker vets every endpoint and callback before use.
func (r *Resolver) WithEndpointChecker(c EndpointChecker) *Resolver {
	r.checker = c
	return r
}

// Resolve fills in the callback, sendable range and description of an
// LNURL-pay input.
func (r *Resolver) Resolve(ctx context.Context, data *bridge.LnurlPayData) (*bridge.LnurlPayData, error) {
	endpoint, err := lnurlEndpoint(data.Lnurl)
	if err != nil {
		return nil, err
	}
	if err := r.check(ctx, endpoint); err != nil {
		return nil, err
	}

	var pr *payRequest
	err = retry.Do(ctx, r.policy, func() error {
		var ferr error
		pr, ferr = r.get(ctx, endpoint)
		return ferr
	})
	if err != nil {
		return nil, fmt.Errorf("resolve lnurl: %w", err)
	}
	if pr.Status == "ERROR" {
		return nil, fmt.Errorf("resolve lnurl: %s", pr.Reason)
	}
	if pr.Tag != payRequestTag || pr.Callback == "" {
		return nil, fmt.Errorf("resolve lnurl: not a pay request (tag %q)", pr.Tag)
	}
	if pr.MinSendable <= 0 || pr.MaxSendable < pr.MinSendable {
		return nil, fmt.Errorf("resolve lnurl: bad sendable range %d-%d", pr.MinSendable, pr.MaxSendable)
	}
	if err := r.check(ctx, pr.Callback); err != nil {
		return nil, err
	}

	out := *data
	out.Callback = pr.Callback
	out.MinSendable = pr.MinSendable
	out.MaxSendable = pr.MaxSendable
	out.Description = plainTextMetadata(pr.Metadata)
	r.logger.Debug("lnurl resolved", "domain", out.Domain, "min", out.MinSendable, "max", out.MaxSendable)
	return &out, nil
}

func (r *Resolver) check(ctx context.Context, endpoint string) error {
	if r.checker == nil {
		return nil
	}
	if err := r.checker.Validate(ctx, endpoint); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeEndpoint, err)
	}
	return nil
}

func (r *Resolver) get(ctx context.Context, endpoint string) (*payRequest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("lnurl endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, retry.Permanent(fmt.Errorf("lnurl endpoint returned %d", resp.StatusCode))
	}

	var pr payRequest
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLnurlBytes)).Decode(&pr); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode lnurl response: %w", err))
	}
	return &pr, nil
}

// plainTextMetadata extracts the text/plain entry of LNURL metadata, a JSON
// array of [mime, content] pairs encoded as a string.
func plainTextMetadata(metadata string) string {
	var entries [][]string
	if err := json.Unmarshal([]byte(metadata), &entries); err != nil {
		return ""
	}
	for _, e := range entries {
		if len(e) == 2 && e[0] == "text/plain" {
			return e[1]
		}
	}
	return ""
}
