package store

import (
	"database/sql"
	"errors"
	"time"
)

// AgentCard is one cached A2A agent card.
type AgentCard struct {
	TargetID  string
	CardJSON  []byte
	Hash      string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Stale reports whether the cached card is past its expiry. Stale entries
// remain readable; consumers flag them and the scan command refreshes.
func (c *AgentCard) Stale() bool { return !time.Now().Before(c.ExpiresAt) }

// PutAgentCard upserts a fetched card for a target.
func (s *Store) PutAgentCard(card *AgentCard) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_cards (target_id, card_json, hash, fetched_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (target_id) DO UPDATE SET
		   card_json = excluded.card_json, hash = excluded.hash,
		   fetched_at = excluded.fetched_at, expires_at = excluded.expires_at`,
		card.TargetID, card.CardJSON, card.Hash,
		card.FetchedAt.UnixMilli(), card.ExpiresAt.UnixMilli(),
	)
	return storeErr("put agent card", err)
}

// AgentCard returns the cached card for a target, or ErrNotFound.
func (s *Store) AgentCard(targetID string) (*AgentCard, error) {
	var (
		card      AgentCard
		fetchedAt int64
		expiresAt int64
	)
	err := s.db.QueryRow(
		`SELECT target_id, card_json, hash, fetched_at, expires_at FROM agent_cards WHERE target_id = ?`,
		targetID,
	).Scan(&card.TargetID, &card.CardJSON, &card.Hash, &fetchedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get agent card", err)
	}
	card.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	card.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &card, nil
}

// DeleteAgentCard invalidates a cached card (explicit refresh path).
func (s *Store) DeleteAgentCard(targetID string) error {
	_, err := s.db.Exec(`DELETE FROM agent_cards WHERE target_id = ?`, targetID)
	return storeErr("delete agent card", err)
}
