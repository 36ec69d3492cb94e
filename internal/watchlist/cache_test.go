package watchlist

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/copyrelay/backend/internal/models"
)

const (
	leaderAddr = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	traderAddr = "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359"
)

type fakeSource struct {
	addrs []models.WatchedAddress
	err   error
}

func (f *fakeSource) GetAllActive(_ context.Context) ([]models.WatchedAddress, error) {
	return f.addrs, f.err
}

func TestLookup_CaseInsensitive(t *testing.T) {
	src := &fakeSource{addrs: []models.WatchedAddress{
		{Address: leaderAddr, Role: models.RoleLeader, Active: true},
	}}
	c := New(src, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	w, ok := c.Lookup(strings.ToLower(leaderAddr))
	if !ok {
		t.Fatal("lowercase lookup missed")
	}
	if !w.IsLeader() {
		t.Fatalf("expected leader role, got %s", w.Role)
	}

	if _, ok := c.Lookup(strings.ToUpper(leaderAddr[:2]) + leaderAddr[2:]); !ok {
		t.Fatal("checksum-cased lookup missed")
	}
}

func TestLookup_UnknownAddress(t *testing.T) {
	c := New(&fakeSource{}, nil)
	_ = c.Refresh(context.Background())

	if _, ok := c.Lookup(traderAddr); ok {
		t.Fatal("unknown address should miss")
	}
	if _, ok := c.Lookup("not-an-address"); ok {
		t.Fatal("malformed address should miss")
	}
}

func TestRefresh_KeepsOldSnapshotOnError(t *testing.T) {
	src := &fakeSource{addrs: []models.WatchedAddress{
		{Address: leaderAddr, Role: models.RoleLeader, Active: true},
	}}
	c := New(src, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	src.err = errors.New("db unavailable")
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatal("expected refresh error")
	}
	if _, ok := c.Lookup(leaderAddr); !ok {
		t.Fatal("failed refresh must keep the previous snapshot")
	}
}

func TestRefresh_SwapsSnapshot(t *testing.T) {
	src := &fakeSource{addrs: []models.WatchedAddress{
		{Address: leaderAddr, Role: models.RoleLeader, Active: true},
	}}
	c := New(src, nil)
	_ = c.Refresh(context.Background())

	src.addrs = []models.WatchedAddress{
		{Address: traderAddr, Role: models.RoleIndependentTrader, Active: true},
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if _, ok := c.Lookup(leaderAddr); ok {
		t.Fatal("removed address still present after refresh")
	}
	w, ok := c.Lookup(traderAddr)
	if !ok {
		t.Fatal("new address missing after refresh")
	}
	if w.IsLeader() {
		t.Fatal("independent trader must not report as leader")
	}
	if c.Size() != 1 {
		t.Fatalf("expected size 1, got %d", c.Size())
	}
}

func TestRefresh_SkipsMalformedAddress(t *testing.T) {
	src := &fakeSource{addrs: []models.WatchedAddress{
		{Address: "bogus", Role: models.RoleLeader, Active: true},
		{Address: leaderAddr, Role: models.RoleLeader, Active: true},
	}}
	c := New(src, nil)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if c.Size() != 1 {
		t.Fatalf("malformed row should be skipped, size = %d", c.Size())
	}
}
