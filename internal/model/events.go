package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names an observable event at a component boundary.
type EventKind string

const (
	EventRandomnessRequested  EventKind = "RandomnessRequested"
	EventBetAccepted          EventKind = "BetAccepted"
	EventBetSettled           EventKind = "BetSettled"
	EventRoundEndTriggered    EventKind = "RoundEndTriggered"
	EventRoundSettled         EventKind = "RoundSettled"
	EventRewardRoundTriggered EventKind = "RewardRoundTriggered"
	EventRewardsClaimed       EventKind = "RewardsClaimed"
)

// Event is the envelope published to event sinks.
type Event struct {
	ID          string      `json:"id"`
	Kind        EventKind   `json:"kind"`
	Source      string      `json:"source"`
	BlockNumber uint64      `json:"block_number"`
	Timestamp   string      `json:"timestamp"`
	Payload     interface{} `json:"payload"`
}

// NewEvent stamps payload with a fresh id and the current wall-clock time.
func NewEvent(kind EventKind, source string, block uint64, payload interface{}) Event {
	return Event{
		ID:          uuid.NewString(),
		Kind:        kind,
		Source:      source,
		BlockNumber: block,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Payload:     payload,
	}
}

// RandomnessRequestedData is emitted by the gateway for the oracle to pick up.
type RandomnessRequestedData struct {
	RequestID string `json:"request_id"`
	Consumer  string `json:"consumer"`
}

// BetAcceptedData is the payload of a BetAccepted event.
type BetAcceptedData struct {
	RequestID  string `json:"request_id"`
	Bettor     string `json:"bettor"`
	Stake      string `json:"stake"`
	Multiplier uint64 `json:"multiplier_mantissa"`
}

// BetSettledData is the payload of a BetSettled event. Amount is the payout
// on a win and the forfeited stake on a loss.
type BetSettledData struct {
	RequestID string `json:"request_id"`
	Bettor    string `json:"bettor"`
	Outcome   string `json:"outcome"`
	Amount    string `json:"amount"`
}

// RoundEndTriggeredData is the payload of a RoundEndTriggered event.
type RoundEndTriggeredData struct {
	RequestID string `json:"request_id"`
	Round     uint64 `json:"round"`
	Pool      string `json:"pool"`
}

// RoundSettledData is the payload of a RoundSettled event.
type RoundSettledData struct {
	RequestID string `json:"request_id"`
	Round     uint64 `json:"round"`
	Winner    string `json:"winner"`
	Amount    string `json:"amount"`
	Fee       string `json:"fee"`
	Ticket    string `json:"ticket"`
	Redraws   int    `json:"redraws"`
}

// RewardRoundTriggeredData is the payload of a RewardRoundTriggered event.
type RewardRoundTriggeredData struct {
	StartBlock   uint64 `json:"start_block"`
	EndBlock     uint64 `json:"end_block"`
	Allocated    string `json:"allocated"`
	Participants int    `json:"participants"`
}

// RewardsClaimedData is the payload of a RewardsClaimed event.
type RewardsClaimedData struct {
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
}
