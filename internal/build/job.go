package build

import (
	"time"

	"zkgate/pkg/domain"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobBuilding  JobStatus = "building"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the job will not change again.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is an asynchronous deploy.
type Job struct {
	ID               string          `json:"job_id"`
	TenantID         domain.TenantID `json:"tenant_id"`
	Document         string          `json:"dsl"`
	Supersede        bool            `json:"supersede,omitempty"`
	Status           JobStatus       `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	ProgramIdentity  string          `json:"program_identity,omitempty"`
	ArtifactLocation string          `json:"artifact_location,omitempty"`
	Error            string          `json:"error,omitempty"`
	ErrorCode        string          `json:"error_code,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
}

func newJob(req Request, webhookURL string, now time.Time) *Job {
	return &Job{
		ID:         domain.NewJobID().String(),
		TenantID:   req.TenantID,
		Document:   string(req.Document),
		Supersede:  req.Supersede,
		Status:     JobQueued,
		CreatedAt:  now,
		WebhookURL: webhookURL,
	}
}

func (j *Job) request() Request {
	return Request{
		TenantID:  j.TenantID,
		Document:  []byte(j.Document),
		Supersede: j.Supersede,
		JobID:     j.ID,
	}
}

func (j *Job) markBuilding(now time.Time) {
	j.Status = JobBuilding
	j.StartedAt = &now
}

func (j *Job) markCompleted(res *Result, now time.Time) {
	j.Status = JobCompleted
	j.CompletedAt = &now
	j.ProgramIdentity = res.ProgramIdentity.String()
	j.ArtifactLocation = res.ArtifactLocation
}

func (j *Job) markFailed(code, msg string, now time.Time) {
	j.Status = JobFailed
	j.CompletedAt = &now
	j.ErrorCode = code
	j.Error = msg
}

func (j *Job) clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
