package realtime

import (
	"slices"
	"time"

	"github.com/mbd888/tradehold/internal/notify"
)

// Subscription narrows what a client receives. Empty fields match
// everything. ReplaySince, when set, asks for retained events newer than
// that instant.
type Subscription struct {
	OrderIDs    []string      `json:"orderIds"`
	Kinds       []notify.Kind `json:"kinds"`
	ReplaySince *time.Time    `json:"replaySince,omitempty"`
}

func (s Subscription) matches(ev Event) bool {
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, ev.Kind) {
		return false
	}
	if len(s.OrderIDs) > 0 && !slices.Contains(s.OrderIDs, ev.OrderID) {
		return false
	}
	return true
}

// visible is the party check: users see what is addressed to them.
func (v Viewer) visible(ev Event) bool {
	return v.Admin || ev.Recipient == v.UserID
}
