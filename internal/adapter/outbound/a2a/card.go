package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/proofscan/proofscan/pkg/jsonrpc"
)

// maxCardSize caps agent card responses.
const maxCardSize = 1 * 1024 * 1024

// CardInfo is the validated subset of an agent card.
type CardInfo struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Version string `json:"version"`
}

// FetchedCard is the result of a successful card fetch.
type FetchedCard struct {
	Info CardInfo
	// Raw is the full card document as returned by the agent.
	Raw []byte
	// Hash is the canonical content hash of Raw.
	Hash      string
	FetchedAt time.Time
}

// FetchCard retrieves and validates an agent card. The URL passes the
// same private-address guard as the streaming client. A transient 5xx
// is retried once after a short backoff; 4xx and validation failures
// are not retried.
func FetchCard(ctx context.Context, cardURL string, opts ...Option) (*FetchedCard, error) {
	o := options{timeout: defaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.allowPrivate {
		if err := checkURL(cardURL); err != nil {
			return nil, err
		}
	}
	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: o.timeout}
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("build card request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if o.bearer != "" {
			req.Header.Set("Authorization", "Bearer "+o.bearer)
		}

		resp, err := hc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch agent card: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCardSize))
		if err != nil {
			return nil, fmt.Errorf("read agent card: %w", err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("agent card fetch returned HTTP %d", resp.StatusCode)
		default:
			return nil, backoff.Permanent(fmt.Errorf("agent card fetch returned HTTP %d", resp.StatusCode))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(2),
	)
	if err != nil {
		return nil, err
	}

	var info CardInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("agent card is not a JSON object: %w", err)
	}
	if info.Name == "" || info.URL == "" || info.Version == "" {
		return nil, fmt.Errorf("agent card missing required fields (name, url, version)")
	}

	return &FetchedCard{
		Info:      info,
		Raw:       raw,
		Hash:      jsonrpc.CanonicalHash(raw),
		FetchedAt: time.Now().UTC(),
	}, nil
}
