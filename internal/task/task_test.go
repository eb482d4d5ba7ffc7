package task

import (
	"errors"
	"fmt"
	"testing"
)

func TestStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusReviewReady, false},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusCommitted, true},
		{StatusRejected, true},
		{StatusExpired, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	all := []Status{StatusPending, StatusRunning, StatusFailed, StatusCancelled,
		StatusReviewReady, StatusCommitted, StatusRejected, StatusExpired}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			if from.CanTransition(to) {
				t.Errorf("%s -> %s allowed from terminal status", from, to)
			}
		}
	}
}

func TestCanTransition(t *testing.T) {
	if !StatusRunning.CanTransition(StatusReviewReady) {
		t.Error("running -> review_ready should be allowed")
	}
	if StatusRunning.CanTransition(StatusCommitted) {
		t.Error("running -> committed should not be allowed")
	}
	if !StatusReviewReady.CanTransition(StatusExpired) {
		t.Error("review_ready -> expired should be allowed")
	}
}

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("commit: %w", Errorf(CodeConflict, "version %d != %d", 3, 4))

	if !errors.Is(err, ErrConflict) {
		t.Error("errors.Is(err, ErrConflict) = false, want true")
	}
	if errors.Is(err, ErrExpired) {
		t.Error("errors.Is(err, ErrExpired) = true, want false")
	}
	if got := CodeOf(err); got != CodeConflict {
		t.Errorf("CodeOf = %q, want %q", got, CodeConflict)
	}
	if got := ReasonOf(err); got != "version 3 != 4" {
		t.Errorf("ReasonOf = %q, want %q", got, "version 3 != 4")
	}
}

func TestWrongStateCarriesStatus(t *testing.T) {
	err := WrongState("t1", StatusRunning)
	if err.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", err.Status, StatusRunning)
	}
	if err.Error() != "wrong_state: task t1 is running" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(errors.New("boom")); got != "" {
		t.Errorf("CodeOf = %q, want empty", got)
	}
}

func TestRecordStateResult(t *testing.T) {
	r := Record{
		Task:     Task{ID: "t1", Metadata: map[string]string{MetaCommittedRecipeID: "r1"}},
		Status:   StatusCommitted,
		Progress: 100,
	}
	st := r.State()
	if st.Result != "r1" {
		t.Errorf("Result = %q, want r1", st.Result)
	}
	if st.Progress != 100 {
		t.Errorf("Progress = %d, want 100", st.Progress)
	}
}
