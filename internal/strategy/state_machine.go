package strategy

import "sync"

// StateMachine tracks readiness. Markets must be ready before rates are
// checked, and losing either drops back to the matching waiting state.
type StateMachine struct {
	mu    sync.Mutex
	State State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{State: StateWaitingMarkets}
}

func (s *StateMachine) Apply(event Event) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = nextState(s.State, event)
	return s.State
}

func (s *StateMachine) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = state
}

func (s *StateMachine) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

func nextState(current State, event Event) State {
	if event == EventMarketsDown {
		return StateWaitingMarkets
	}
	switch current {
	case StateWaitingMarkets:
		if event == EventMarketsReady {
			return StateWaitingRates
		}
	case StateWaitingRates:
		if event == EventRatesReady {
			return StateReady
		}
	case StateReady:
		if event == EventRatesMissing {
			return StateWaitingRates
		}
	}
	return current
}
