package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/bobarin/beatsync/internal/models"
)

const (
	QueueAnalyze  = "queue:analyze"
	QueuePlan     = "queue:plan"
	QueueGenerate = "queue:generate"
	QueueAssemble = "queue:assemble"
)

// Stages lists the pipeline stages in the order a run moves through them.
var Stages = []models.RunStage{models.StageAnalyze, models.StagePlan, models.StageGenerate, models.StageAssemble}

type Queue struct {
	client *redis.Client
}

type Job struct {
	ID        uuid.UUID              `json:"id"`
	Stage     models.RunStage        `json:"stage"`
	RunID     uuid.UUID              `json:"run_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Name returns the Redis list that holds jobs for stage.
func Name(stage models.RunStage) (string, error) {
	switch stage {
	case models.StageAnalyze:
		return QueueAnalyze, nil
	case models.StagePlan:
		return QueuePlan, nil
	case models.StageGenerate:
		return QueueGenerate, nil
	case models.StageAssemble:
		return QueueAssemble, nil
	default:
		return "", fmt.Errorf("stage %q has no queue", stage)
	}
}

// Next returns the stage after stage, or StageDone after assembly.
func Next(stage models.RunStage) models.RunStage {
	for i, s := range Stages {
		if s == stage && i+1 < len(Stages) {
			return Stages[i+1]
		}
	}
	return models.StageDone
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// EnqueueStage queues run for stage.
func (q *Queue) EnqueueStage(ctx context.Context, stage models.RunStage, runID uuid.UUID) error {
	name, err := Name(stage)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, name, &Job{
		ID:    uuid.New(),
		Stage: stage,
		RunID: runID,
	})
}
