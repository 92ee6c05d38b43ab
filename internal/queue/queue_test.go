package queue

import (
	"testing"

	"github.com/bobarin/beatsync/internal/models"
)

func TestNameAndNext(t *testing.T) {
	tests := []struct {
		stage models.RunStage
		queue string
		next  models.RunStage
	}{
		{models.StageAnalyze, QueueAnalyze, models.StagePlan},
		{models.StagePlan, QueuePlan, models.StageGenerate},
		{models.StageGenerate, QueueGenerate, models.StageAssemble},
		{models.StageAssemble, QueueAssemble, models.StageDone},
	}
	for _, tt := range tests {
		name, err := Name(tt.stage)
		if err != nil || name != tt.queue {
			t.Errorf("Name(%s) = %q, %v", tt.stage, name, err)
		}
		if got := Next(tt.stage); got != tt.next {
			t.Errorf("Next(%s) = %s, want %s", tt.stage, got, tt.next)
		}
	}
	if _, err := Name(models.StageDone); err == nil {
		t.Error("done stage should have no queue")
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New("not-a-redis-url"); err == nil {
		t.Error("expected parse error")
	}
}
