package models

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusRequested, StatusAccepted, true},
		{StatusAccepted, StatusCompleted, true},
		// no skipping
		{StatusRequested, StatusCompleted, false},
		// no back-edges
		{StatusAccepted, StatusRequested, false},
		{StatusCompleted, StatusAccepted, false},
		{StatusCompleted, StatusRequested, false},
		// terminal
		{StatusCompleted, StatusCompleted, false},
		{StatusRequested, StatusRequested, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseStatus(3); !errors.Is(err, ErrEventDecode) {
		t.Fatalf("expected ErrEventDecode, got %v", err)
	}
	s, err := ParseStatus(1)
	if err != nil || s != StatusAccepted {
		t.Fatalf("ParseStatus(1) = %v, %v", s, err)
	}
}

func TestRideIsParticipant(t *testing.T) {
	p := common.HexToAddress("0x1")
	d := common.HexToAddress("0x2")
	other := common.HexToAddress("0x3")

	r := Ride{Passenger: p, Status: StatusRequested}
	if !r.IsParticipant(p) {
		t.Fatal("passenger should be a participant")
	}
	if r.IsParticipant(common.Address{}) {
		t.Fatal("zero address must never be a participant of an unaccepted ride")
	}

	r.Driver, r.Status = d, StatusAccepted
	if !r.IsParticipant(d) {
		t.Fatal("bound driver should be a participant")
	}
	if r.IsParticipant(other) {
		t.Fatal("unrelated address should not be a participant")
	}
}

func TestParseRideID(t *testing.T) {
	id, err := ParseRideID("42")
	if err != nil || id != 42 {
		t.Fatalf("ParseRideID = %v, %v", id, err)
	}
	if _, err := ParseRideID("-1"); err == nil {
		t.Fatal("expected error for negative id")
	}
}
