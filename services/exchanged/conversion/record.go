package conversion

import (
	"math/big"
	"time"
)

// Direction identifies which way value moves.
type Direction string

const (
	DirectionPixToStable Direction = "pix_to_stable"
	DirectionStableToPix Direction = "stable_to_pix"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionPixToStable || d == DirectionStableToPix
}

// Status is the lifecycle state of a conversion.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status]map[Status]struct{}{
	StatusInitiated: {StatusConfirmed: {}, StatusFailed: {}},
	StatusConfirmed: {StatusCompleted: {}, StatusFailed: {}},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// Record is a single conversion keyed by its payment id.
type Record struct {
	PaymentID        string
	User             string
	Direction        Direction
	Asset            string
	PixAmount        *big.Int
	StablecoinAmount *big.Int
	Fee              *big.Int
	PixKey           string
	Nonce            uint64
	Status           Status
	BankReference    string
	FailureReason    string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.PixAmount = cloneBig(r.PixAmount)
	out.StablecoinAmount = cloneBig(r.StablecoinAmount)
	out.Fee = cloneBig(r.Fee)
	return out
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
