package usecase

import (
	"errors"
	"fmt"

	"github.com/caretrace/provider-validator/internal/domain"
)

// ReportService serves fused validation reports.
type ReportService struct {
	Jobs    domain.JobRepository
	Reports domain.ReportRepository
}

// NewReportService constructs a ReportService.
func NewReportService(jobs domain.JobRepository, reports domain.ReportRepository) ReportService {
	return ReportService{Jobs: jobs, Reports: reports}
}

// GetValidationReport returns the stored report for (job, provider).
// While the provider's tasks are still running the report does not exist
// yet; that case and an unknown job/provider both surface ErrNotFound,
// with messages a handler can pass through.
func (s ReportService) GetValidationReport(ctx domain.Context, jobID, providerID string) (domain.ValidationReport, error) {
	if jobID == "" || providerID == "" {
		return domain.ValidationReport{}, fmt.Errorf("%w: job id and provider id required", domain.ErrInvalidArgument)
	}
	rep, err := s.Reports.Get(ctx, jobID, providerID)
	if err == nil {
		return rep, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.ValidationReport{}, err
	}
	if _, perr := s.Jobs.GetProvider(ctx, jobID, providerID); perr != nil {
		return domain.ValidationReport{}, perr
	}
	return domain.ValidationReport{}, fmt.Errorf("%w: report not ready", domain.ErrNotFound)
}
