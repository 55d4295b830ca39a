package gateengine

import (
	"encoding/json"
	"fmt"

	"github.com/cswenor/conductor/internal/model"
)

const defaultMaxRetries = 3

// EvaluateTestsPass evaluates the tests_pass gate. Ground truth is the tool
// invocation's exit code, never the agent's own summary — an agent cannot
// fabricate a passing result without an accompanying tool-execution record.
func EvaluateTestsPass(p Projections, run *model.Run) (Verdict, error) {
	override, err := p.FindMatchingOverride(run.RunID, model.OverrideSkipTests, "")
	if err != nil {
		return Verdict{}, err
	}
	if override != nil {
		v := passed(fmt.Sprintf("Overridden: skip_tests by @%s", override.Operator))
		v.Details, _ = json.Marshal(map[string]bool{"override": true})
		return v, nil
	}

	report, err := p.LatestValidArtifact(run.RunID, model.ArtifactTestReport)
	if err != nil {
		return Verdict{}, err
	}
	if report == nil {
		return pending("Tests not yet run"), nil
	}
	if report.SourceToolInvocationID == "" {
		return pending("Test report present but cannot verify results"), nil
	}

	exitCode, ok, err := p.ToolInvocationResult(report.SourceToolInvocationID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return pending("Test report present but cannot verify results"), nil
	}

	if exitCode == 0 {
		return passed("All tests passed"), nil
	}

	cfg := p.GateConfig(model.GateTestsPass)
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	details, _ := json.Marshal(map[string]int{
		"testFixAttempts": run.TestFixAttempts,
		"maxRetries":      maxRetries,
	})

	if run.TestFixAttempts < maxRetries {
		v := pending(fmt.Sprintf("Tests failed — retry %d/%d", run.TestFixAttempts+1, maxRetries))
		v.Details = details
		return v, nil
	}

	v := failed(fmt.Sprintf("Tests failed after %d attempts", maxRetries))
	v.Escalate = true
	v.Details = details
	return v, nil
}
