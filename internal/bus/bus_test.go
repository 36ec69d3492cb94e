package bus

import "testing"

func TestTopic(t *testing.T) {
	got := Topic("0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed")
	want := "trade-events:0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if got != want {
		t.Fatalf("Topic = %q, want %q", got, want)
	}
}

func TestObservationKey(t *testing.T) {
	if got := ObservationKey("0xabc:3"); got != "dedup:obs:0xabc:3" {
		t.Fatalf("ObservationKey = %q", got)
	}
}

func TestDispatchKey_DistinctPerFollower(t *testing.T) {
	a := DispatchKey("0xabc:3", 101)
	b := DispatchKey("0xabc:3", 102)
	if a == b {
		t.Fatal("dispatch keys must differ per follower")
	}
	if a != "dedup:dispatch:0xabc:3:101" {
		t.Fatalf("DispatchKey = %q", a)
	}
}
