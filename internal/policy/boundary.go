package policy

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/oktsec/actiongate/internal/safefile"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// maxHandbookBytes caps the permission handbook read from disk.
const maxHandbookBytes = 1 << 20

// SideEffectVerbs mark an action type as having an external effect when no
// explicit rule matches.
var SideEffectVerbs = []string{"send", "publish", "post", "execute", "pay", "click", "submit"}

// DefaultChecklist is used when the handbook has no checklist.
var DefaultChecklist = []string{
	"Recipient is known and trusted",
	"Content contains no sensitive or confidential information",
	"Blast radius is understood and acceptable",
	"Action is reversible, or the irreversibility is accepted",
}

// Exception overrides the normal rules when its context key is set.
type Exception struct {
	ContextKey      string
	RequireApproval bool
	ActionKeyword   string // empty = any action
}

// Boundary is the parsed permission boundary.
type Boundary struct {
	AutoApprove     []string
	RequireApproval []string
	Exceptions      []Exception
	Checklist       []string
	Source          string

	// Fallback marks the hardcoded conservative boundary: anything not
	// explicitly auto-approved requires approval.
	Fallback bool
}

// Decision represents the outcome of a boundary evaluation.
type Decision struct {
	RequireApproval bool
	Reason          string
}

// DefaultBoundary returns the conservative boundary used when the handbook is
// missing or unparseable.
func DefaultBoundary() *Boundary {
	return &Boundary{
		AutoApprove:     []string{"dashboard", "internal", "triage"},
		RequireApproval: append([]string(nil), SideEffectVerbs...),
		Checklist:       append([]string(nil), DefaultChecklist...),
		Source:          "built-in defaults",
		Fallback:        true,
	}
}

var (
	markdownParserInstance goldmark.Markdown
	markdownParserOnce     sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParserInstance = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParserInstance
}

type section int

const (
	sectionNone section = iota
	sectionAuto
	sectionRequire
	sectionExceptions
	sectionChecklist
)

func classifyHeading(title string) section {
	t := normalize(title)
	switch {
	case strings.Contains(t, "exception"):
		return sectionExceptions
	case strings.Contains(t, "checklist"), strings.Contains(t, "criteria"):
		return sectionChecklist
	case strings.Contains(t, "auto"):
		return sectionAuto
	case strings.Contains(t, "require"), strings.Contains(t, "needs approval"):
		return sectionRequire
	}
	return sectionNone
}

// Parse reads a permission handbook. Level-2 (or deeper) headings name the
// section; list items under them are the rules:
//
//	## Auto-Approve
//	- dashboard update
//	## Require Approval
//	- send
//	## Exceptions
//	- vip_client: auto-approve send_email
//	## Approval Checklist
//	- Recipient is known
func Parse(src []byte) (*Boundary, error) {
	doc := getMarkdownParser().Parser().Parse(text.NewReader(src))

	b := &Boundary{}
	current := sectionNone
	var parseErrs []error

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level >= 2 {
				current = classifyHeading(nodeText(node, src))
			}
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			if node.FirstChild() == nil {
				return ast.WalkSkipChildren, nil
			}
			item := strings.TrimSpace(nodeText(node.FirstChild(), src))
			if item == "" {
				return ast.WalkSkipChildren, nil
			}
			switch current {
			case sectionAuto:
				b.AutoApprove = append(b.AutoApprove, item)
			case sectionRequire:
				b.RequireApproval = append(b.RequireApproval, item)
			case sectionChecklist:
				b.Checklist = append(b.Checklist, item)
			case sectionExceptions:
				ex, err := parseException(item)
				if err != nil {
					parseErrs = append(parseErrs, err)
				} else {
					b.Exceptions = append(b.Exceptions, ex)
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking handbook: %w", err)
	}
	if len(parseErrs) > 0 {
		return nil, fmt.Errorf("parsing exceptions: %w", errors.Join(parseErrs...))
	}
	if len(b.AutoApprove) == 0 && len(b.RequireApproval) == 0 {
		return nil, errors.New("handbook has no auto-approve or require-approval rules")
	}
	if len(b.Checklist) == 0 {
		b.Checklist = append([]string(nil), DefaultChecklist...)
	}
	return b, nil
}

// parseException reads "key: auto-approve|require-approval [action keyword]".
func parseException(item string) (Exception, error) {
	key, rest, ok := strings.Cut(item, ":")
	if !ok {
		return Exception{}, fmt.Errorf("exception %q: want \"key: auto-approve|require-approval [action]\"", item)
	}
	key = strings.TrimSpace(key)
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(rest)))
	if key == "" || len(fields) == 0 {
		return Exception{}, fmt.Errorf("exception %q: missing key or decision", item)
	}
	ex := Exception{ContextKey: key}
	switch strings.ReplaceAll(fields[0], "_", "-") {
	case "auto-approve", "auto":
		ex.RequireApproval = false
	case "require-approval", "require":
		ex.RequireApproval = true
	default:
		return Exception{}, fmt.Errorf("exception %q: unknown decision %q", item, fields[0])
	}
	ex.ActionKeyword = strings.Join(fields[1:], " ")
	return ex, nil
}

// nodeText concatenates the text under n.
func nodeText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte(' ')
			}
		case *ast.String:
			buf.Write(t.Value)
		}
		return ast.WalkContinue, nil
	})
	return buf.String()
}

// Load reads and parses the handbook at path.
func Load(path string) (*Boundary, error) {
	data, err := safefile.ReadFileMax(path, maxHandbookBytes)
	if err != nil {
		return nil, fmt.Errorf("reading permission handbook: %w", err)
	}
	b, err := Parse(data)
	if err != nil {
		return nil, err
	}
	b.Source = path
	return b, nil
}

// LoadOrDefault loads the handbook, falling back to DefaultBoundary when it
// is missing or unparseable. It never fails.
func LoadOrDefault(path string, logger *slog.Logger) *Boundary {
	if path == "" {
		return DefaultBoundary()
	}
	b, err := Load(path)
	if err != nil {
		logger.Warn("permission handbook unusable, using conservative defaults", "path", path, "error", err)
		return DefaultBoundary()
	}
	return b
}

// normalize lowercases s and treats '_' and '-' as spaces.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// matches reports whether keyword occurs in actionType, case-insensitively.
func matches(actionType, keyword string) bool {
	k := normalize(keyword)
	return k != "" && strings.Contains(normalize(actionType), k)
}

func firstMatch(actionType string, keywords []string) (string, bool) {
	for _, k := range keywords {
		if matches(actionType, k) {
			return k, true
		}
	}
	return "", false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// Evaluate decides whether actionType needs human approval. Context keys
// activate exceptions. Order: exceptions, explicit require-approval, explicit
// auto-approve, then the side-effect verb default.
func (b *Boundary) Evaluate(actionType string, actx map[string]string) Decision {
	for _, ex := range b.Exceptions {
		if !truthy(actx[ex.ContextKey]) {
			continue
		}
		if ex.ActionKeyword != "" && !matches(actionType, ex.ActionKeyword) {
			continue
		}
		verdict := "auto-approved"
		if ex.RequireApproval {
			verdict = "requires approval"
		}
		return Decision{RequireApproval: ex.RequireApproval, Reason: fmt.Sprintf("exception %q: %s", ex.ContextKey, verdict)}
	}
	if k, ok := firstMatch(actionType, b.RequireApproval); ok {
		return Decision{RequireApproval: true, Reason: fmt.Sprintf("matches require-approval rule %q", k)}
	}
	if k, ok := firstMatch(actionType, b.AutoApprove); ok {
		return Decision{RequireApproval: false, Reason: fmt.Sprintf("matches auto-approve rule %q", k)}
	}
	if b.Fallback {
		return Decision{RequireApproval: true, Reason: "not covered by the conservative default boundary"}
	}
	if v, ok := firstMatch(actionType, SideEffectVerbs); ok {
		return Decision{RequireApproval: true, Reason: fmt.Sprintf("side-effect verb %q", v)}
	}
	return Decision{RequireApproval: false, Reason: "internal action"}
}

// ShouldRequireApproval reports whether actionType needs human approval.
func (b *Boundary) ShouldRequireApproval(actionType string, actx map[string]string) bool {
	return b.Evaluate(actionType, actx).RequireApproval
}

// IsExternal reports whether actionType names a side effect outside the system.
func IsExternal(actionType string) bool {
	_, ok := firstMatch(actionType, SideEffectVerbs)
	return ok
}
