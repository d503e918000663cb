package model

import (
	"fmt"
	"strings"

	"rangebar/internal/fixed"
)

// Side is the aggressor side of a trade.
type Side int8

const (
	// SideNone means the source does not report a direction. It is never inferred.
	SideNone Side = iota
	// SideBuy is a buyer-initiated trade.
	SideBuy
	// SideSell is a seller-initiated trade.
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return ""
	}
}

// ParseSide maps "buy"/"sell" (any case) to a Side; anything else is SideNone.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "b":
		return SideBuy
	case "sell", "s":
		return SideSell
	default:
		return SideNone
	}
}

// Trade is a single price/volume observation.
//
// Trades are ordered by (Timestamp, SequenceID). A quote-derived tick uses
// the quote midpoint as Price, a zero Volume and SideNone.
type Trade struct {
	SequenceID int64         // Source-assigned identifier, tie-breaker within a timestamp
	Price      fixed.Decimal // Execution price
	Volume     fixed.Decimal // Executed quantity, zero for quote ticks
	Timestamp  int64         // Microseconds since the Unix epoch, UTC
	Side       Side          // Aggressor side when the source reports one
}

// OrderKey is the ordering identity of a trade.
type OrderKey struct {
	Timestamp  int64
	SequenceID int64
}

// Key returns the (timestamp, sequence id) pair trades are ordered by.
func (t Trade) Key() OrderKey {
	return OrderKey{Timestamp: t.Timestamp, SequenceID: t.SequenceID}
}

// Less reports whether k orders strictly before o.
func (k OrderKey) Less(o OrderKey) bool {
	if k.Timestamp != o.Timestamp {
		return k.Timestamp < o.Timestamp
	}
	return k.SequenceID < o.SequenceID
}

func (k OrderKey) String() string {
	return fmt.Sprintf("(%d,%d)", k.Timestamp, k.SequenceID)
}
