package http

import (
	"compress-queue/internal/domain"
)

// EnqueueJobRequest is the Data Transfer Object for submitting a scan for
// compression. File reachability is the storage collaborator's problem;
// only shape and presence are validated here.
type EnqueueJobRequest struct {
	ScanID    string `json:"scan_id" validate:"required,min=1,max=128"`
	ProjectID string `json:"project_id" validate:"required,min=1,max=128"`
	FileURL   string `json:"file_url" validate:"required,url"`
	FileName  string `json:"file_name" validate:"required,min=1,max=255"`
	FileSize  int64  `json:"file_size" validate:"gte=0"`
}

// ToDomainPayload converts the DTO to a domain.JobPayload.
func (r *EnqueueJobRequest) ToDomainPayload() domain.JobPayload {
	return domain.JobPayload{
		ScanID:    r.ScanID,
		ProjectID: r.ProjectID,
		FileURL:   r.FileURL,
		FileName:  r.FileName,
		FileSize:  r.FileSize,
	}
}

// EnqueueJobResponse carries the deterministic job id back to the producer.
type EnqueueJobResponse struct {
	JobID string `json:"job_id"`
}
