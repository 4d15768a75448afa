package usecase

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/svmbench/platform/internal/adapter/observability"
	"github.com/svmbench/platform/internal/domain"
)

// ResultService ingests worker-posted results:
// authenticate the worker's capability token, leniently parse and validate
// the agent's report, and atomically finalize the Job.
type ResultService struct {
	Jobs domain.JobRepository
	Now  func() time.Time
}

func (s *ResultService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// PostResultRequest mirrors the POST /v1/results body.
type PostResultRequest struct {
	JobID  string
	Status string // "succeeded" | "failed"
	Report string // raw string possibly embedding JSON
	Error  string
}

// rawReport is the permissive on-wire shape a worker's report JSON slice is
// unmarshaled into before per-field validation.
type rawReport struct {
	Vulnerabilities []rawVulnerability `json:"vulnerabilities"`
}

type rawVulnerability struct {
	Title          string             `json:"title"`
	Severity       string             `json:"severity"`
	Summary        string             `json:"summary"`
	Description    []rawCodeLocation  `json:"description"`
	Impact         string             `json:"impact"`
	ProofOfConcept string             `json:"proof_of_concept"`
	Remediation    string             `json:"remediation"`
}

type rawCodeLocation struct {
	File      string `json:"file"`
	LineStart int    `json:"line_start"`
	LineEnd   int    `json:"line_end"`
	Desc      string `json:"desc"`
}

// extractJSONSlice finds the first '{' and last '}' in s and returns the
// substring between them inclusive, tolerating agent preamble and trailing
// noise around the report JSON.
func extractJSONSlice(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// parseAndValidateReport runs the lenient slice extraction, JSON parse,
// then schema validation (non-empty title, normalized severity). The
// description, impact and other fields are copied as given; their presence
// is not checked.
func parseAndValidateReport(raw string) (*domain.Report, bool) {
	slice, ok := extractJSONSlice(raw)
	if !ok {
		return nil, false
	}
	var rr rawReport
	if err := json.Unmarshal([]byte(slice), &rr); err != nil {
		return nil, false
	}
	report := &domain.Report{Vulnerabilities: make([]domain.Vulnerability, 0, len(rr.Vulnerabilities))}
	for _, v := range rr.Vulnerabilities {
		if strings.TrimSpace(v.Title) == "" {
			return nil, false
		}
		locs := make([]domain.CodeLocation, 0, len(v.Description))
		for _, d := range v.Description {
			locs = append(locs, domain.CodeLocation{
				File: d.File, LineStart: d.LineStart, LineEnd: d.LineEnd, Desc: d.Desc,
			})
		}
		report.Vulnerabilities = append(report.Vulnerabilities, domain.Vulnerability{
			Title:          v.Title,
			Severity:       domain.Severity(NormalizeSeverity(v.Severity)),
			Summary:        v.Summary,
			Description:    locs,
			Impact:         v.Impact,
			ProofOfConcept: v.ProofOfConcept,
			Remediation:    v.Remediation,
		})
	}
	return report, true
}

// PostResult finalizes a job from a worker's report: token check, then a
// lenient parse with a forced downgrade to failed(Invalid report) when
// neither a valid report nor an explicit error string was supplied.
func (s *ResultService) PostResult(ctx domain.Context, req PostResultRequest, suppliedToken string) error {
	job, err := s.Jobs.Get(ctx, req.JobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobRunning {
		return fmt.Errorf("op=result.PostResult: %w", domain.ErrNotFound)
	}
	if subtle.ConstantTimeCompare([]byte(suppliedToken), []byte(job.ResultToken)) != 1 {
		return fmt.Errorf("op=result.PostResult: %w", domain.ErrAuthFailure)
	}

	status := domain.JobStatus(req.Status)
	var report *domain.Report
	var resultErr *string

	if status == domain.JobSucceeded {
		if parsed, ok := parseAndValidateReport(req.Report); ok {
			report = parsed
		} else {
			status = domain.JobFailed
			msg := req.Error
			if msg == "" {
				msg = "Invalid report"
			}
			resultErr = &msg
		}
	} else {
		status = domain.JobFailed
		msg := req.Error
		if msg == "" {
			msg = "Invalid report"
		}
		resultErr = &msg
	}

	ok, err := s.Jobs.FinalizeResult(ctx, req.JobID, status, report, resultErr, s.now())
	if err != nil {
		return fmt.Errorf("op=result.PostResult.finalize: %w", err)
	}
	if !ok {
		// Another writer (the reaper) already finalized this job first;
		// this is the expected no-op half of the CAS race.
		slog.Info("result ignored, job already terminal", slog.String("job_id", req.JobID))
		return nil
	}

	observability.RecordFinalized(string(status))
	slog.Info("job finalized", slog.String("job_id", req.JobID), slog.String("status", string(status)))
	return nil
}
