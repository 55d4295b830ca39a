package gateengine_test

import (
	"testing"

	"github.com/cswenor/conductor/internal/gateengine"
	"github.com/cswenor/conductor/internal/model"
)

// fakeProjections is an in-memory stand-in for internal/projection.Store,
// letting evaluators be tested without a database.
type fakeProjections struct {
	artifacts      map[string]*model.Artifact // keyed by runID+":"+type
	operatorAction map[string]string          // keyed by runID+":"+action -> comment
	override       *model.Override
	toolExitCodes  map[string]int
	gateConfig     gateengine.GateConfig
	factEvents     map[string]bool
}

func newFakeProjections() *fakeProjections {
	return &fakeProjections{
		artifacts:      map[string]*model.Artifact{},
		operatorAction: map[string]string{},
		toolExitCodes:  map[string]int{},
		factEvents:     map[string]bool{},
	}
}

func key(runID, suffix string) string { return runID + ":" + suffix }

func (f *fakeProjections) LatestValidArtifact(runID string, t model.ArtifactType) (*model.Artifact, error) {
	return f.artifacts[key(runID, string(t))], nil
}

func (f *fakeProjections) HasOperatorAction(runID, action string) (bool, string, error) {
	comment, ok := f.operatorAction[key(runID, action)]
	return ok, comment, nil
}

func (f *fakeProjections) FindMatchingOverride(runID string, kind model.OverrideKind, targetID string) (*model.Override, error) {
	if f.override != nil && f.override.Kind == kind {
		return f.override, nil
	}
	return nil, nil
}

func (f *fakeProjections) ToolInvocationResult(toolInvocationID string) (int, bool, error) {
	code, ok := f.toolExitCodes[toolInvocationID]
	return code, ok, nil
}

func (f *fakeProjections) GateConfig(gateID model.GateID) gateengine.GateConfig {
	return f.gateConfig
}

func (f *fakeProjections) HasFactEvent(runID string, eventType model.EventType) (bool, error) {
	return f.factEvents[key(runID, string(eventType))], nil
}

func TestPlanApprovalRejectBeatsStaleApprove(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactPlan))] = &model.Artifact{ValidationStatus: model.ValidationValid}
	f.artifacts[key("r1", string(model.ArtifactReview))] = &model.Artifact{ValidationStatus: model.ValidationValid}
	f.operatorAction[key("r1", "approve_plan")] = ""
	f.operatorAction[key("r1", "reject_run")] = "not good enough"

	v, err := gateengine.EvaluatePlanApproval(f, run)
	if err != nil {
		t.Fatalf("EvaluatePlanApproval: %v", err)
	}
	if v.Status != model.GateStatusFailed {
		t.Fatalf("expected failed, got %s (%s)", v.Status, v.Reason)
	}
}

func TestPlanApprovalPassesOnApprove(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactPlan))] = &model.Artifact{ValidationStatus: model.ValidationValid}
	f.artifacts[key("r1", string(model.ArtifactReview))] = &model.Artifact{ValidationStatus: model.ValidationValid, ContentMarkdown: "looks good"}
	f.operatorAction[key("r1", "approve_plan")] = ""

	v, err := gateengine.EvaluatePlanApproval(f, run)
	if err != nil {
		t.Fatalf("EvaluatePlanApproval: %v", err)
	}
	if v.Status != model.GateStatusPassed {
		t.Fatalf("expected passed, got %s (%s)", v.Status, v.Reason)
	}
}

func TestCodeReviewIgnoresStalePlanApproval(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactReview))] = &model.Artifact{ContentMarkdown: "looks good"}
	f.operatorAction[key("r1", "approve_plan")] = "" // recorded earlier, at a different gate

	v, err := gateengine.EvaluateCodeReview(f, run)
	if err != nil {
		t.Fatalf("EvaluateCodeReview: %v", err)
	}
	if v.Status != model.GateStatusPending {
		t.Fatalf("expected a stale plan_approval action to leave code_review pending, got %s (%s)", v.Status, v.Reason)
	}
}

func TestCodeReviewPassesOnItsOwnApproval(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactReview))] = &model.Artifact{ContentMarkdown: "looks good"}
	f.operatorAction[key("r1", "approve_review")] = ""

	v, err := gateengine.EvaluateCodeReview(f, run)
	if err != nil {
		t.Fatalf("EvaluateCodeReview: %v", err)
	}
	if v.Status != model.GateStatusPassed {
		t.Fatalf("expected passed, got %s (%s)", v.Status, v.Reason)
	}
}

func TestCodeReviewRejectBeatsApprove(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactReview))] = &model.Artifact{ContentMarkdown: "looks good"}
	f.operatorAction[key("r1", "approve_review")] = ""
	f.operatorAction[key("r1", "reject_run")] = "not good enough"

	v, err := gateengine.EvaluateCodeReview(f, run)
	if err != nil {
		t.Fatalf("EvaluateCodeReview: %v", err)
	}
	if v.Status != model.GateStatusFailed {
		t.Fatalf("expected failed, got %s (%s)", v.Status, v.Reason)
	}
}

func TestTestsPassIgnoresAgentClaimAndUsesExitCode(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1", TestFixAttempts: 0}
	f.artifacts[key("r1", string(model.ArtifactTestReport))] = &model.Artifact{
		ValidationStatus:       model.ValidationValid,
		SourceToolInvocationID: "tool-1",
	}
	f.toolExitCodes["tool-1"] = 1 // agent's summary may claim pass; ground truth says fail
	f.gateConfig = gateengine.GateConfig{MaxRetries: 3}

	v, err := gateengine.EvaluateTestsPass(f, run)
	if err != nil {
		t.Fatalf("EvaluateTestsPass: %v", err)
	}
	if v.Status != model.GateStatusPending {
		t.Fatalf("expected pending (retry available), got %s", v.Status)
	}
}

func TestTestsPassEscalatesAtMaxRetries(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1", TestFixAttempts: 3}
	f.artifacts[key("r1", string(model.ArtifactTestReport))] = &model.Artifact{
		ValidationStatus:       model.ValidationValid,
		SourceToolInvocationID: "tool-1",
	}
	f.toolExitCodes["tool-1"] = 1
	f.gateConfig = gateengine.GateConfig{MaxRetries: 3}

	v, err := gateengine.EvaluateTestsPass(f, run)
	if err != nil {
		t.Fatalf("EvaluateTestsPass: %v", err)
	}
	if v.Status != model.GateStatusFailed || !v.Escalate {
		t.Fatalf("expected failed+escalate at max retries, got %+v", v)
	}
}

func TestTestsPassOverrideShortCircuits(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.override = &model.Override{Kind: model.OverrideSkipTests, Operator: "alice"}

	v, err := gateengine.EvaluateTestsPass(f, run)
	if err != nil {
		t.Fatalf("EvaluateTestsPass: %v", err)
	}
	if v.Status != model.GateStatusPassed {
		t.Fatalf("expected passed via override, got %s", v.Status)
	}
}

func TestTestsPassRejectsUnverifiedReport(t *testing.T) {
	f := newFakeProjections()
	run := &model.Run{RunID: "r1"}
	f.artifacts[key("r1", string(model.ArtifactTestReport))] = &model.Artifact{
		ValidationStatus: model.ValidationValid,
		// no SourceToolInvocationID
	}

	v, err := gateengine.EvaluateTestsPass(f, run)
	if err != nil {
		t.Fatalf("EvaluateTestsPass: %v", err)
	}
	if v.Status != model.GateStatusPending {
		t.Fatalf("expected pending for unverifiable report, got %s", v.Status)
	}
}
