package model

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC)

func TestNewActionItem(t *testing.T) {
	long := strings.Repeat("x", 500)
	item, err := NewActionItem("email-1", "email", t0, long)
	require.NoError(t, err)
	assert.Equal(t, ItemPending, item.Status)
	assert.Equal(t, PriorityMedium, item.Priority)
	assert.Len(t, item.ContentPreview, PreviewLength)
	assert.Equal(t, long, item.Content)
}

func TestActionItemValidate(t *testing.T) {
	item := &ActionItem{Status: "archived", Priority: "urgent"}
	err := item.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	for _, want := range []string{"id is required", "type is required", "received is required", "archived", "urgent"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestMarkProcessedIsOneShot(t *testing.T) {
	item, err := NewActionItem("chat-1", "chat", t0, "hello")
	require.NoError(t, err)

	require.NoError(t, item.MarkProcessed("approval requested", "act-chat-1", t0.Add(time.Minute)))
	assert.Equal(t, ItemProcessed, item.Status)
	assert.Equal(t, "act-chat-1", item.PlanID)

	err = item.MarkProcessed("again", "other", t0.Add(2*time.Minute))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, "act-chat-1", item.PlanID)
}

func TestExecutionPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan *ExecutionPlan
		want string
	}{
		{"nil", nil, "missing"},
		{"no target", &ExecutionPlan{Operation: "post", Parameters: map[string]any{"a": 1}, MaxRetries: 3}, "target_system"},
		{"no operation", &ExecutionPlan{TargetSystem: "facebook", Parameters: map[string]any{"a": 1}, MaxRetries: 3}, "operation"},
		{"no params", &ExecutionPlan{TargetSystem: "facebook", Operation: "post", MaxRetries: 3}, "parameters"},
		{"retry overflow", &ExecutionPlan{TargetSystem: "facebook", Operation: "post", Parameters: map[string]any{"a": 1}, RetryCount: 4, MaxRetries: 3}, "retry_count"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	ok := &ExecutionPlan{TargetSystem: "facebook", Operation: "post", Parameters: map[string]any{"content": "Test"}, MaxRetries: 3}
	assert.NoError(t, ok.Validate())
	assert.True(t, ok.CanRetry())
	assert.Equal(t, "facebook.post", ok.ToolName())
	ok.RetryCount = 3
	assert.False(t, ok.CanRetry())
}

func TestItemDocumentRoundTrip(t *testing.T) {
	item, err := NewActionItem("email-42", "email", t0, "Please send the invoice.\n\nThanks")
	require.NoError(t, err)
	item.Sender = "ana@example.com"
	item.Subject = "Invoice"
	item.Tags = []string{"finance", "client"}

	data, err := EncodeItem(item)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "---\n"))
	assert.Contains(t, string(data), "type: email")
	assert.Contains(t, string(data), "status: pending")

	got, err := DecodeItem(data)
	require.NoError(t, err)
	assert.Equal(t, item.ID, got.ID)
	assert.True(t, item.ReceivedAt.Equal(got.ReceivedAt))
	assert.Equal(t, item.Tags, got.Tags)
	assert.Equal(t, "Please send the invoice.\n\nThanks\n", got.Content)
}

func TestDecodeItemRejectsMissingKeys(t *testing.T) {
	doc := "---\nid: x\ntype: email\nstatus: pending\n---\n\nbody\n"
	_, err := DecodeItem([]byte(doc))
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "received")
}

func TestDecodeWithoutFrontmatter(t *testing.T) {
	_, err := DecodeItem([]byte("just some text"))
	require.ErrorIs(t, err, ErrInvalid)

	_, err = DecodeApproval([]byte("---\naction_id: a\n"))
	require.ErrorIs(t, err, ErrInvalid)
}

func TestApprovalDocumentRoundTrip(t *testing.T) {
	req := &ApprovalRequest{
		ActionID:       "act-1",
		ActionType:     "publish_post",
		CreatedAt:      t0,
		Status:         StatusPending,
		RiskLevel:      RiskHigh,
		ToolName:       "facebook.post",
		RiskFactors:    []string{"public audience", "irreversible"},
		DraftContent:   "Test",
		ImpactAnalysis: "Visible to all followers",
		BlastRadius:    "Public page",
		Checklist:      []string{"Content reviewed"},
		Plan: &ExecutionPlan{
			ActionID:     "act-1",
			TargetSystem: "facebook",
			Operation:    "post",
			Parameters:   map[string]any{"platform": "facebook", "content": "Test"},
			MaxRetries:   3,
		},
	}
	data, err := EncodeApproval(req)
	require.NoError(t, err)
	body := string(data)
	assert.Contains(t, body, "# Approval required: publish_post")
	assert.Contains(t, body, "- [ ] Content reviewed")

	got, err := DecodeApproval(data)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, RiskHigh, got.RiskLevel)
	require.NotNil(t, got.Plan)
	assert.Equal(t, "Test", got.Plan.Parameters["content"])
	assert.Equal(t, 3, got.Plan.MaxRetries)
	assert.Equal(t, req.RiskFactors, got.RiskFactors)
}

func TestAppendNoteKeepsHistory(t *testing.T) {
	req := &ApprovalRequest{Body: "# Approval required: send_email\n"}
	req.AppendNote(t0, "Approved by alice")
	req.AppendNote(t0.Add(time.Hour), "Executed")

	assert.Equal(t, 1, strings.Count(req.Body, historyHeading))
	first := strings.Index(req.Body, "Approved by alice")
	second := strings.Index(req.Body, "Executed")
	assert.Greater(t, second, first)
	assert.True(t, strings.HasPrefix(req.Body, "# Approval required: send_email"))
}

func TestAppendToDocument(t *testing.T) {
	out := AppendToDocument([]byte("garbage\n\n"), "**Failed**: no execution plan")
	assert.Equal(t, "garbage\n\n**Failed**: no execution plan\n", string(out))
}

func TestApprovalValidateHeader(t *testing.T) {
	req := &ApprovalRequest{ActionID: "a", ActionType: "send", CreatedAt: t0, Status: StatusRejected, RiskLevel: RiskLow, ToolName: "x.y"}
	err := req.ValidateHeader()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejection_reason")

	req.RejectionReason = "not now"
	assert.NoError(t, req.ValidateHeader())
	assert.True(t, req.Status.Terminal())
	assert.False(t, StatusApproved.Terminal())
}
