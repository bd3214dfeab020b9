package taskcore

import "testing"

func TestTaskRecordClone_IsIndependent(t *testing.T) {
	rec := &TaskRecord{
		Task:   Task{TaskID: "a", Inputs: map[string]any{"x": 1}},
		Status: StatusCompleted,
		Output: &TaskOutput{Success: true, Data: map[string]any{"y": 2}},
	}
	clone := rec.Clone()
	clone.Inputs["x"] = 999
	clone.Output.Data["y"] = 999
	clone.Status = StatusFailed

	if rec.Inputs["x"] != 1 {
		t.Error("mutating clone.Inputs affected original")
	}
	if rec.Output.Data["y"] != 2 {
		t.Error("mutating clone.Output.Data affected original")
	}
	if rec.Status != StatusCompleted {
		t.Error("mutating clone.Status affected original")
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusEmitted, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestTaskBatch_Empty(t *testing.T) {
	if !(TaskBatch{}).Empty() {
		t.Error("zero-value TaskBatch should be empty")
	}
	nonEmpty := TaskBatch{ServerTasks: []*TaskRecord{{}}}
	if nonEmpty.Empty() {
		t.Error("batch with a server task should not be empty")
	}
}
