// Package model defines the data types shared by every component of the
// netting and settlement engine: trade intents, delegated-key policies,
// and the batch-shaped records the Store persists.
package model

import "fmt"

// IntentType enumerates the kinds of trade intent admission recognizes.
type IntentType string

const (
	IntentTrade  IntentType = "TRADE"
	IntentBid    IntentType = "BID"
	IntentBuyNow IntentType = "BUY_NOW"
)

// ValidIntentType reports whether t is one of the recognized enum values.
func ValidIntentType(t IntentType) bool {
	switch t {
	case IntentTrade, IntentBid, IntentBuyNow:
		return true
	default:
		return false
	}
}

// TradeIntent is a signed authorization to move one item and pay a
// price. It is immutable once admitted.
type TradeIntent struct {
	ID             string     `json:"id"`
	SessionPubkey  string     `json:"session_pubkey"`
	OwnerPubkey    string     `json:"owner_pubkey"`
	ItemID         string     `json:"item_id"`
	From           string     `json:"from"`
	To             string     `json:"to"`
	AmountLamports uint64     `json:"amount_lamports"`
	Nonce          uint64     `json:"nonce"`
	Signature      []byte     `json:"signature"`
	CreatedAt      int64      `json:"created_at"`
	IntentType     IntentType `json:"intent_type"`

	// BatchID is set once the intent is consumed by a batch; nil while pending.
	BatchID *string `json:"batch_id,omitempty"`
	// Invalid marks a stale-in-batch intent that netting consumed but dropped.
	Invalid bool `json:"invalid,omitempty"`
}

// SignableData returns the canonical byte encoding that `Signature` must
// authenticate. Field order and separator are part of the wire contract
// and must never change independently of the on-chain verifier.
func (t *TradeIntent) SignableData() []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d|%d|%s",
		t.ID, t.SessionPubkey, t.ItemID, t.From, t.To,
		t.AmountLamports, t.Nonce, t.CreatedAt, t.IntentType))
}

// SessionKeyPolicy is a delegated-key authorization registered by a real
// owner for a short-lived session signer.
type SessionKeyPolicy struct {
	OwnerPubkey       string       `json:"owner_pubkey"`
	SessionPubkey     string       `json:"session_pubkey"`
	MaxVolumeLamports uint64       `json:"max_volume_lamports"`
	ExpiresAt         int64        `json:"expires_at"`
	CreatedAt         int64        `json:"created_at"`
	AllowedActions    []IntentType `json:"allowed_actions"`
}

// Allows reports whether t is permitted under this policy at unixNow.
func (p *SessionKeyPolicy) Allows(t IntentType, unixNow int64) bool {
	if p.ExpiresAt <= unixNow {
		return false
	}
	for _, a := range p.AllowedActions {
		if a == t {
			return true
		}
	}
	return false
}

// NettingBatch is the closed, netted record of one settlement round.
type NettingBatch struct {
	BatchID         string   `json:"batch_id"`
	CreatedAt       int64    `json:"created_at"`
	NettedAt        int64    `json:"netted_at,omitempty"`
	SettledAt       int64    `json:"settled_at,omitempty"`
	Settled         bool     `json:"settled"`
	TxSignature     string   `json:"tx_signature,omitempty"`
	BatchHash       [32]byte `json:"batch_hash"`
	IntentIDs       []string `json:"intent_ids"`
	NumIntents      int      `json:"num_intents"`
	NumItemsSettled int      `json:"num_items_settled"`
	NumWallets      int      `json:"num_wallets"`
}

// SettledItem records the final owner of one item within one batch.
type SettledItem struct {
	BatchID    string `json:"batch_id"`
	ItemID     string `json:"item_id"`
	FinalOwner string `json:"final_owner"`
}

// NetCashDelta records one owner's signed net lamport change in one batch.
type NetCashDelta struct {
	BatchID       string `json:"batch_id"`
	OwnerPubkey   string `json:"owner_pubkey"`
	DeltaLamports int64  `json:"delta_lamports"`
}
