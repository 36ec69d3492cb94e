package models

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type AddressRole string

const (
	RoleLeader            AddressRole = "leader"
	RoleIndependentTrader AddressRole = "independent_trader"
)

// WatchedAddress is an on-chain address the discovery process has flagged.
// Rows are created externally; the relay only reads them.
type WatchedAddress struct {
	ID            int64       `json:"id"`
	Address       string      `json:"address"`
	Role          AddressRole `json:"role"`
	Active        bool        `json:"active"`
	WinRate       *float64    `json:"winRate,omitempty"`
	ResolvedCount int         `json:"resolvedCount"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (w *WatchedAddress) IsLeader() bool {
	return w.Active && w.Role == RoleLeader
}

// NormalizeAddress validates a hex address and returns its EIP-55
// checksummed form, so that lookups are case-insensitive.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return common.HexToAddress(addr).Hex(), nil
}
