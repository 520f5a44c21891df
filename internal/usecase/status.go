package usecase

import (
	"fmt"
	"math"
	"time"

	"github.com/caretrace/provider-validator/internal/domain"
)

// JobStatusView is the read model served for one job: the row counters
// plus the derived completion percentage.
type JobStatusView struct {
	JobID          string
	Status         domain.JobStatus
	Priority       domain.Priority
	Options        domain.ValidationOptions
	ProviderCount  int
	ProvidersFused int
	TasksTotal     int
	TasksCompleted int
	TasksFailed    int
	Progress       float64
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// StatusService reads job progress.
type StatusService struct {
	Jobs domain.JobRepository
}

// NewStatusService constructs a StatusService.
func NewStatusService(jobs domain.JobRepository) StatusService {
	return StatusService{Jobs: jobs}
}

// GetJobStatus returns the status view for one job.
func (s StatusService) GetJobStatus(ctx domain.Context, jobID string) (JobStatusView, error) {
	if jobID == "" {
		return JobStatusView{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	job, err := s.Jobs.Get(ctx, jobID)
	if err != nil {
		return JobStatusView{}, err
	}
	return JobStatusView{
		JobID:          job.ID,
		Status:         job.Status,
		Priority:       job.Priority,
		Options:        job.Options,
		ProviderCount:  job.ProviderCount,
		ProvidersFused: job.ProvidersFused,
		TasksTotal:     job.TasksTotal,
		TasksCompleted: job.TasksCompleted,
		TasksFailed:    job.TasksFailed,
		Progress:       math.Round(job.Progress()*10) / 10,
		Error:          job.Error,
		CreatedAt:      job.CreatedAt,
		UpdatedAt:      job.UpdatedAt,
	}, nil
}
