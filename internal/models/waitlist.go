package models

import (
	"time"
)

// Waitlist entry lifecycle states.
const (
	EntryWaiting   = "waiting"
	EntryNotified  = "notified"
	EntryCooldown  = "cooldown"
	EntryBooked    = "booked"
	EntryCancelled = "cancelled"
	EntryExpired   = "expired"
)

// Waitlist offer lifecycle states. Offers only ever leave pending.
const (
	OfferPending  = "pending"
	OfferAccepted = "accepted"
	OfferDeclined = "declined"
	OfferExpired  = "expired"
)

const (
	// CooldownReasonTimeout marks a cooldown imposed because an offer expired unanswered.
	CooldownReasonTimeout = "timeout"
	// ResponseChannelSystem marks offers closed by the reconciler rather than the customer.
	ResponseChannelSystem = "system"
)

// Lifecycle event reasons written by the engine.
const (
	ReasonOfferTimeout        = "offer_timeout"
	ReasonCooldownReactivated = "cooldown_reactivated"
)

// WaitlistEntry is a customer's standing request for a service slot.
type WaitlistEntry struct {
	ID             string     `json:"id"`
	SalonID        string     `json:"salon_id"`
	ServiceID      string     `json:"service_id"`
	CustomerID     string     `json:"customer_id"`
	Status         string     `json:"status"`
	DeclineCount   int        `json:"decline_count"`
	CooldownReason *string    `json:"cooldown_reason,omitempty"`
	CooldownUntil  *time.Time `json:"cooldown_until,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// WaitlistOffer is one slot proposed to one waitlist entry.
type WaitlistOffer struct {
	ID              string     `json:"id"`
	SalonID         string     `json:"salon_id"`
	WaitlistEntryID string     `json:"waitlist_entry_id"`
	ServiceID       string     `json:"service_id"`
	EmployeeID      string     `json:"employee_id"`
	SlotDate        string     `json:"slot_date"`
	SlotStart       string     `json:"slot_start"`
	SlotEnd         string     `json:"slot_end"`
	Status          string     `json:"status"`
	TokenExpiresAt  time.Time  `json:"token_expires_at"`
	RespondedAt     *time.Time `json:"responded_at,omitempty"`
	ResponseChannel *string    `json:"response_channel,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Slot returns the slot the offer was holding.
func (o WaitlistOffer) Slot() SlotRelease {
	return SlotRelease{
		OfferID:    o.ID,
		SalonID:    o.SalonID,
		ServiceID:  o.ServiceID,
		SlotDate:   o.SlotDate,
		EmployeeID: o.EmployeeID,
		SlotStart:  o.SlotStart,
		SlotEnd:    o.SlotEnd,
	}
}

// SlotRelease identifies a freed slot handed to the next-candidate notifier.
// OfferID names the expired offer that freed it and is stable across
// retries, so the candidate service can drop repeats of the same release.
type SlotRelease struct {
	OfferID    string `json:"offer_id,omitempty"`
	SalonID    string `json:"salon_id"`
	ServiceID  string `json:"service_id"`
	SlotDate   string `json:"slot_date"`
	EmployeeID string `json:"employee_id"`
	SlotStart  string `json:"slot_start"`
	SlotEnd    string `json:"slot_end"`
}

// CooldownChange is the entry update applied when an offer times out.
type CooldownChange struct {
	DeclineCount  int
	Reason        string
	CooldownUntil time.Time
}

// LifecycleEvent is an append-only audit row for one status transition.
type LifecycleEvent struct {
	ID              string         `json:"id"`
	WaitlistEntryID string         `json:"waitlist_entry_id"`
	SalonID         string         `json:"salon_id"`
	FromStatus      string         `json:"from_status"`
	ToStatus        string         `json:"to_status"`
	Reason          string         `json:"reason"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
}

// PolicyOverride is a cooldown policy row as stored. Nil fields fall back to defaults.
type PolicyOverride struct {
	SalonID                 string `json:"salon_id" yaml:"salon_id"`
	ServiceID               string `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	CooldownMinutes         *int   `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`
	PassiveDeclineThreshold *int   `json:"passive_decline_threshold,omitempty" yaml:"passive_decline_threshold,omitempty"`
	PassiveCooldownMinutes  *int   `json:"passive_cooldown_minutes,omitempty" yaml:"passive_cooldown_minutes,omitempty"`
}
