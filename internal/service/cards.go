package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/proofscan/proofscan/internal/adapter/outbound/a2a"
	"github.com/proofscan/proofscan/internal/adapter/outbound/store"
	"github.com/proofscan/proofscan/internal/config"
	"github.com/proofscan/proofscan/internal/domain/target"
)

// defaultCardTTL applies when an agent target does not set ttl_seconds.
const defaultCardTTL = time.Hour

// cardFetcher is the fetch seam, replaced in tests.
type cardFetcher func(ctx context.Context, url string, opts ...a2a.Option) (*a2a.FetchedCard, error)

// CardService maintains the agent card cache: fetch, hash, TTL expiry.
type CardService struct {
	store  *store.Store
	logger *slog.Logger
	fetch  cardFetcher
}

// NewCardService creates a CardService backed by the event store.
func NewCardService(st *store.Store, logger *slog.Logger) *CardService {
	return &CardService{store: st, logger: logger, fetch: a2a.FetchCard}
}

// Get returns the cached card for a target. Stale entries are still
// returned; callers check Stale() and refresh as needed.
func (s *CardService) Get(targetID string) (*store.AgentCard, error) {
	return s.store.AgentCard(targetID)
}

// Refresh fetches the target's agent card and replaces the cache entry.
func (s *CardService) Refresh(ctx context.Context, t *target.Target) (*store.AgentCard, error) {
	if !t.IsAgent() {
		return nil, fmt.Errorf("target %q is not an agent", t.ID)
	}
	fetched, err := s.fetch(ctx, t.URL)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", t.ID, err)
	}

	ttl := defaultCardTTL
	if t.TTLSeconds > 0 {
		ttl = time.Duration(t.TTLSeconds) * time.Second
	}
	card := &store.AgentCard{
		TargetID:  t.ID,
		CardJSON:  fetched.Raw,
		Hash:      fetched.Hash,
		FetchedAt: fetched.FetchedAt,
		ExpiresAt: fetched.FetchedAt.Add(ttl),
	}
	if err := s.store.PutAgentCard(card); err != nil {
		return nil, fmt.Errorf("agent %q: cache card: %w", t.ID, err)
	}
	s.logger.Info("agent card refreshed", "agent", t.ID, "hash", card.Hash, "expires_at", card.ExpiresAt)
	return card, nil
}

// ScanResult reports the per-agent outcome of a scan.
type ScanResult struct {
	Refreshed []string          `json:"refreshed"`
	Fresh     []string          `json:"fresh"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Scan walks the configured agent targets and refreshes every card that
// is missing or past its expiry. force refreshes unconditionally.
func (s *CardService) Scan(ctx context.Context, cfg *config.Config, force bool) *ScanResult {
	result := &ScanResult{Failed: make(map[string]string)}
	for _, t := range cfg.Agents() {
		if !force {
			card, err := s.store.AgentCard(t.ID)
			if err == nil && !card.Stale() {
				result.Fresh = append(result.Fresh, t.ID)
				continue
			}
		}
		if _, err := s.Refresh(ctx, t); err != nil {
			s.logger.Warn("agent card refresh failed", "agent", t.ID, "error", err)
			result.Failed[t.ID] = err.Error()
			continue
		}
		result.Refreshed = append(result.Refreshed, t.ID)
	}
	if len(result.Failed) == 0 {
		result.Failed = nil
	}
	return result
}
