package model

import "time"

type DeliveryOutcome string

const (
	DeliverySent     DeliveryOutcome = "sent"
	DeliveryRetry    DeliveryOutcome = "retry"
	DeliveryFailed   DeliveryOutcome = "failed"
	DeliveryReleased DeliveryOutcome = "released"
)

// DeliveryRecord is one row of the delivery log (ClickHouse).
type DeliveryRecord struct {
	MessageID   int64           `db:"message_id"   json:"message_id"`
	MessageKey  string          `db:"message_key"  json:"message_key"`
	MessageType string          `db:"message_type" json:"message_type"`
	Priority    Priority        `db:"priority"     json:"priority"`
	Destination string          `db:"destination"  json:"destination"`
	Outcome     DeliveryOutcome `db:"outcome"      json:"outcome"`
	Attempt     int             `db:"attempt"      json:"attempt"`
	Error       string          `db:"error"        json:"error"`
	Instance    string          `db:"instance"     json:"instance"`
	At          time.Time       `db:"at"           json:"at"`
}
