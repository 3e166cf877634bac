package strategy

import "testing"

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()
	if sm.State != StateWaitingMarkets {
		t.Fatalf("expected %s, got %s", StateWaitingMarkets, sm.State)
	}
	if sm.Apply(EventRatesReady) != StateWaitingMarkets {
		t.Fatalf("rates must not skip market readiness, got %s", sm.State)
	}
	if sm.Apply(EventMarketsReady) != StateWaitingRates {
		t.Fatalf("expected %s, got %s", StateWaitingRates, sm.State)
	}
	if sm.Apply(EventRatesReady) != StateReady {
		t.Fatalf("expected %s, got %s", StateReady, sm.State)
	}
	if sm.Apply(EventMarketsReady) != StateReady {
		t.Fatalf("expected %s to hold, got %s", StateReady, sm.State)
	}
	if sm.Apply(EventRatesMissing) != StateWaitingRates {
		t.Fatalf("expected %s, got %s", StateWaitingRates, sm.State)
	}
	if sm.Apply(EventMarketsDown) != StateWaitingMarkets {
		t.Fatalf("expected %s, got %s", StateWaitingMarkets, sm.State)
	}
}

func TestStateMachineMarketsDownFromReady(t *testing.T) {
	sm := NewStateMachine()
	sm.SetState(StateReady)
	if sm.Apply(EventMarketsDown) != StateWaitingMarkets {
		t.Fatalf("expected %s, got %s", StateWaitingMarkets, sm.Current())
	}
}

func TestStateMachineInvalidTransition(t *testing.T) {
	sm := NewStateMachine()
	if sm.Apply(EventRatesMissing) != StateWaitingMarkets {
		t.Fatalf("invalid transition should not change state")
	}
}
