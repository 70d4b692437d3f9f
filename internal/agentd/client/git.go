package client

import (
	"context"

	"github.com/ariana-dot-dev/ariana-sub004/internal/agentd/types"
)

// GitCommit commits the working tree. An empty message asks the worker to
// generate one.
func (c *Client) GitCommit(ctx context.Context, message string) (*types.CommitResponse, error) {
	var resp types.CommitResponse
	if err := c.post(ctx, "/git-commit", &types.CommitRequest{Message: message}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GitPush pushes the agent branch.
func (c *Client) GitPush(ctx context.Context, force bool) (*types.PushResponse, error) {
	var resp types.PushResponse
	if err := c.post(ctx, "/git-push", &types.PushRequest{Force: force}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GitLastCommit reads the branch tip.
func (c *Client) GitLastCommit(ctx context.Context) (*types.LastCommitResponse, error) {
	var resp types.LastCommitResponse
	if err := c.post(ctx, "/git-last-commit", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GitHistory lists the agent branch's commits.
func (c *Client) GitHistory(ctx context.Context) (*types.HistoryResponse, error) {
	var resp types.HistoryResponse
	if err := c.post(ctx, "/git-history", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GenerateCommitName asks the worker's helper model for a commit name.
func (c *Client) GenerateCommitName(ctx context.Context, req *types.GenerateCommitNameRequest) (string, error) {
	var resp types.GenerateCommitNameResponse
	if err := c.post(ctx, "/generate-commit-name", req, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// GenerateTaskSummary asks the worker's helper model for a task summary.
func (c *Client) GenerateTaskSummary(ctx context.Context, req *types.GenerateTaskSummaryRequest) (string, error) {
	var resp types.GenerateTaskSummaryResponse
	if err := c.post(ctx, "/generate-task-summary", req, &resp); err != nil {
		return "", err
	}
	return resp.Summary, nil
}

// ExecuteAutomations feeds observed events into the worker's engine.
func (c *Client) ExecuteAutomations(ctx context.Context, events []types.AutomationEvent) error {
	var resp types.StatusResponse
	return c.post(ctx, "/execute-automations", &types.ExecuteAutomationsRequest{Events: events}, &resp)
}

// StopAutomation kills one running automation.
func (c *Client) StopAutomation(ctx context.Context, automationID string) error {
	var resp types.StatusResponse
	return c.post(ctx, "/stop-automation", &types.StopAutomationRequest{AutomationID: automationID}, &resp)
}

// TriggerManualAutomation fires a manual automation by id or name.
func (c *Client) TriggerManualAutomation(ctx context.Context, automationID, name string) error {
	var resp types.StatusResponse
	return c.post(ctx, "/trigger-manual-automation",
		&types.TriggerManualAutomationRequest{AutomationID: automationID, Name: name}, &resp)
}

// DrainAutomationEvents fetches and clears the worker's accumulated
// automation run events and spooled actions.
func (c *Client) DrainAutomationEvents(ctx context.Context) (*types.AutomationEventsResponse, error) {
	var resp types.AutomationEventsResponse
	if err := c.post(ctx, "/automation-events", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
