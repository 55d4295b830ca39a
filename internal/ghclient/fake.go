package ghclient

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is an in-memory Client for tests. Each call is recorded and a
// deterministic WriteResult is synthesized unless FailNext is armed.
type FakeClient struct {
	mu       sync.Mutex
	Calls    []string
	FailNext *HTTPError
	nextID   int

	// LastPullRequest, LastCheckRun, and LastBranch record the most recent
	// input each method was called with, so tests can assert the outbox
	// unmarshaled a row's payload into the right fields before dispatch.
	LastPullRequest PullRequestInput
	LastCheckRun    CheckRunInput
	LastBranch      BranchInput
}

// NewFakeClient returns a FakeClient ready for use.
func NewFakeClient() *FakeClient { return &FakeClient{} }

func (f *FakeClient) consumeFailure() error {
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	return nil
}

func (f *FakeClient) nextResult(kind string) WriteResult {
	f.nextID++
	return WriteResult{
		ID:     fmt.Sprintf("%s-%d", kind, f.nextID),
		URL:    fmt.Sprintf("https://github.example/%s/%d", kind, f.nextID),
		NodeID: fmt.Sprintf("node_%s_%d", kind, f.nextID),
		Number: f.nextID,
	}
}

func (f *FakeClient) CreateOrUpdateComment(ctx context.Context, in CommentInput) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "comment:"+in.TargetNodeID)
	if err := f.consumeFailure(); err != nil {
		return WriteResult{}, err
	}
	return f.nextResult("comment"), nil
}

func (f *FakeClient) CreateOrUpdatePullRequest(ctx context.Context, in PullRequestInput) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "pull_request:"+in.TargetNodeID)
	f.LastPullRequest = in
	if err := f.consumeFailure(); err != nil {
		return WriteResult{}, err
	}
	return f.nextResult("pr"), nil
}

func (f *FakeClient) CreateOrUpdateCheckRun(ctx context.Context, in CheckRunInput) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "check_run:"+in.TargetNodeID)
	f.LastCheckRun = in
	if err := f.consumeFailure(); err != nil {
		return WriteResult{}, err
	}
	return f.nextResult("check_run"), nil
}

func (f *FakeClient) CreateBranch(ctx context.Context, in BranchInput) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, "branch:"+in.TargetNodeID)
	f.LastBranch = in
	if err := f.consumeFailure(); err != nil {
		return WriteResult{}, err
	}
	return f.nextResult("branch"), nil
}

var _ Client = (*FakeClient)(nil)
