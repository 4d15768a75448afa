// Package agent provides the worker sidecar's pluggable auditor. Spawning
// a real model-driven Solidity auditor is outside this platform's scope;
// StubAgent documents the seam a concrete implementation would fill.
package agent

import (
	"fmt"

	"github.com/svmbench/platform/internal/domain"
)

// StubAgent implements domain.Agent without running any model. It always
// fails, exercising the worker's failure-reporting path end to end while
// making unmistakably clear that no auditor is wired in.
type StubAgent struct{}

// Run always returns an error. A real Agent would extract in.UploadZip,
// invoke a model-driven auditor against the sources (using in.OpenAIToken
// through in.ProxyBaseURL when in.KeyMode is proxy or proxy_static), and
// return the auditor's fenced-JSON report as AgentOutput.ReportJSON.
func (StubAgent) Run(_ domain.Context, in domain.AgentInput) (domain.AgentOutput, error) {
	return domain.AgentOutput{}, fmt.Errorf("op=agent.StubAgent.Run: no auditor configured for job %s", in.JobID)
}

var _ domain.Agent = StubAgent{}
