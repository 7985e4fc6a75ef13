package orders

import "testing"

func TestTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPlaced, StatusPendingPayment, true},
		{StatusPendingPayment, StatusPaid, true},
		{StatusPaid, StatusProcessing, true},
		{StatusProcessing, StatusShipped, true},
		{StatusShipped, StatusInTransit, true},
		{StatusInTransit, StatusDelivered, true},
		{StatusPendingPayment, StatusCancelled, true},
		{StatusShipped, StatusCancelledSystem, true},
		{StatusCancelled, StatusRefunded, true},
		{StatusCancelledSystem, StatusRefunded, true},

		{StatusPendingPayment, StatusShipped, false}, // no skipping
		{StatusDelivered, StatusCancelled, false},    // terminal
		{StatusRefunded, StatusPaid, false},
		{StatusPaid, StatusPendingPayment, false}, // no going back
		{StatusDelivered, StatusRefunded, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []Status{StatusDelivered, StatusRefunded} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPlaced, StatusPaid, StatusShipped, StatusCancelled} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCancellable(t *testing.T) {
	for _, s := range []Status{StatusPlaced, StatusPendingPayment, StatusPaid, StatusProcessing, StatusShipped, StatusInTransit} {
		if !Cancellable(s) {
			t.Errorf("%s should be cancellable", s)
		}
	}
	for _, s := range []Status{StatusDelivered, StatusCancelled, StatusCancelledSystem, StatusRefunded} {
		if Cancellable(s) {
			t.Errorf("%s should not be cancellable", s)
		}
	}
}
