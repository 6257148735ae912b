package action

import (
	"errors"
	"testing"

	"github.com/replicante-io/replicore"
)

func TestTransitionRecordsHistory(t *testing.T) {
	a := New("cluster-a", "node-1", "restart", "operator", nil)
	if a.State != StatePendingApprove {
		t.Fatalf("new action state = %s, want PENDING_APPROVE", a.State)
	}

	tr, err := a.Transition(StatePendingSchedule, nil)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if tr.From != StatePendingApprove || tr.To != StatePendingSchedule {
		t.Fatalf("transition = %s -> %s, want PENDING_APPROVE -> PENDING_SCHEDULE", tr.From, tr.To)
	}
	if a.Finished != nil {
		t.Fatal("non-terminal transition set Finished")
	}
}

func TestTerminalStatesAreImmutable(t *testing.T) {
	a := New("cluster-a", "node-1", "restart", "operator", nil)
	if _, err := a.Transition(StateDone, nil); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if a.Finished == nil {
		t.Fatal("terminal transition did not set Finished")
	}

	if _, err := a.Transition(StateRunning, nil); !errors.Is(err, replicore.ErrActionTerminal) {
		t.Fatalf("Transition() on terminal action error = %v, want ErrActionTerminal", err)
	}
	if a.State != StateDone {
		t.Fatalf("terminal action state changed to %s", a.State)
	}
}

func TestTerminalStates(t *testing.T) {
	for _, s := range []State{StateDone, StateFailed, StateCancelled, StateLost} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []State{StatePendingApprove, StatePendingSchedule, StateNew, StateRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}
