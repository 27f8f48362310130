package events

import "time"

// Type names a conversion lifecycle event.
type Type string

const (
	TypePixToStablecoinInitiated Type = "PixToStablecoinInitiated"
	TypeStablecoinToPixInitiated Type = "StablecoinToPixInitiated"
	TypePixConfirmed             Type = "PixConfirmed"
	TypeStablecoinTransferred    Type = "StablecoinTransferred"
	TypePixTransferred           Type = "PixTransferred"
	TypeConversionFailed         Type = "ConversionFailed"
)

// Event is the wire form of a conversion transition. Amounts are decimal
// strings in the asset's smallest unit.
type Event struct {
	ID               string    `json:"id"`
	Sequence         int64     `json:"sequence"`
	Type             Type      `json:"type"`
	PaymentID        string    `json:"paymentId"`
	User             string    `json:"user"`
	Asset            string    `json:"stablecoin"`
	Direction        string    `json:"direction"`
	Status           string    `json:"status"`
	PixAmount        string    `json:"pixAmount"`
	StablecoinAmount string    `json:"stablecoinAmount"`
	Fee              string    `json:"fee,omitempty"`
	Nonce            uint64    `json:"nonce,omitempty"`
	PixKey           string    `json:"pixKey,omitempty"`
	BankReference    string    `json:"bankTransactionId,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}
