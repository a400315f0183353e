package model

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const fence = "---"

// EncodeItem renders an action item as a frontmatter document.
func EncodeItem(a *ActionItem) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return encode(a, a.Content)
}

// DecodeItem parses and validates an action item document.
func DecodeItem(data []byte) (*ActionItem, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var a ActionItem
	if err := yaml.Unmarshal(header, &a); err != nil {
		return nil, fmt.Errorf("%w: parsing action item header: %w", ErrInvalid, err)
	}
	a.Content = body
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// EncodeApproval renders an approval request as a frontmatter document.
// A request without a body gets the default reviewer-facing body.
func EncodeApproval(r *ApprovalRequest) ([]byte, error) {
	if err := r.ValidateHeader(); err != nil {
		return nil, err
	}
	if r.Body == "" {
		r.Body = RenderApprovalBody(r)
	}
	return encode(r, r.Body)
}

// DecodeApproval parses an approval request document and checks its header.
// The execution plan is not validated here: a request with a broken plan must
// still be loadable so it can be failed and inspected.
func DecodeApproval(data []byte) (*ApprovalRequest, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, err
	}
	var r ApprovalRequest
	if err := yaml.Unmarshal(header, &r); err != nil {
		return nil, fmt.Errorf("%w: parsing approval header: %w", ErrInvalid, err)
	}
	r.Body = body
	if err := r.ValidateHeader(); err != nil {
		return nil, err
	}
	return &r, nil
}

// AppendToDocument appends a note to a raw document without decoding it.
// Used for records too malformed to decode.
func AppendToDocument(data []byte, note string) []byte {
	out := bytes.TrimRight(data, "\n")
	out = append(out, "\n\n"...)
	out = append(out, note...)
	return append(out, '\n')
}

func encode(header any, body string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(fence + "\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(header); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	buf.WriteString(fence + "\n")
	if body != "" {
		buf.WriteString("\n")
		buf.WriteString(strings.TrimRight(body, "\n"))
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

func splitFrontmatter(data []byte) (header []byte, body string, err error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, fence+"\n") {
		return nil, "", fmt.Errorf("%w: document has no frontmatter", ErrInvalid)
	}
	rest := text[len(fence)+1:]
	end := strings.Index(rest, "\n"+fence+"\n")
	switch {
	case end >= 0:
		header = []byte(rest[:end+1])
		body = rest[end+len(fence)+2:]
	case strings.HasSuffix(rest, "\n"+fence):
		header = []byte(strings.TrimSuffix(rest, fence))
	default:
		return nil, "", fmt.Errorf("%w: unterminated frontmatter", ErrInvalid)
	}
	return header, strings.TrimPrefix(body, "\n"), nil
}

// RenderApprovalBody builds the markdown a reviewer reads before deciding.
func RenderApprovalBody(r *ApprovalRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Approval required: %s\n\n", r.ActionType)
	fmt.Fprintf(&b, "Risk: **%s**", r.RiskLevel)
	if r.Plan != nil {
		fmt.Fprintf(&b, " | Target: `%s` | Operation: `%s`", r.Plan.TargetSystem, r.Plan.Operation)
	}
	b.WriteString("\n")

	section := func(title, content string) {
		if content == "" {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", title, strings.TrimRight(content, "\n"))
	}
	section("Draft", r.DraftContent)
	section("Impact analysis", r.ImpactAnalysis)
	section("Blast radius", r.BlastRadius)

	if len(r.RiskFactors) > 0 {
		b.WriteString("\n## Risk factors\n\n")
		for _, f := range r.RiskFactors {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}
	if len(r.Checklist) > 0 {
		b.WriteString("\n## Approval checklist\n\n")
		for _, c := range r.Checklist {
			fmt.Fprintf(&b, "- [ ] %s\n", c)
		}
	}
	fmt.Fprintf(&b, "\n## Decision\n\nApprove with `actiongate approvals approve %s`, or reject with `actiongate approvals reject %s --reason \"...\"`.\n",
		r.ActionID, r.ActionID)
	return b.String()
}
