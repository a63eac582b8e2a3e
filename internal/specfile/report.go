package specfile

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// FileChanged is one entry of a completion report's files list.
type FileChanged struct {
	Path      string
	Operation string // create|modify|delete
}

// CriterionResult maps a pass criterion to the test that checked it.
type CriterionResult struct {
	Criterion string
	TestID    string
	Result    string // pass|fail
}

// CompletionReport is the markdown artifact a worker writes on success.
type CompletionReport struct {
	TaskID    string
	Status    string
	Duration  time.Duration
	Files     []FileChanged
	Criteria  []CriterionResult
	CommitRef string
}

// Render produces the canonical markdown form.
func (r *CompletionReport) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Completion Report: %s\n\n", r.TaskID)
	fmt.Fprintf(&b, "- Status: %s\n", r.Status)
	fmt.Fprintf(&b, "- Duration: %s\n", r.Duration.Round(time.Second))
	if r.CommitRef != "" {
		fmt.Fprintf(&b, "- Commit: %s\n", r.CommitRef)
	}

	if len(r.Files) > 0 {
		b.WriteString("\n## Files Changed\n\n")
		for _, f := range r.Files {
			fmt.Fprintf(&b, "- %s `%s`\n", f.Operation, f.Path)
		}
	}

	if len(r.Criteria) > 0 {
		b.WriteString("\n## Pass Criteria\n\n")
		b.WriteString("| Criterion | Test | Result |\n|---|---|---|\n")
		for _, c := range r.Criteria {
			fmt.Fprintf(&b, "| %s | %s | %s |\n", c.Criterion, c.TestID, c.Result)
		}
	}
	return b.String()
}

var (
	reportTitleRe = regexp.MustCompile(`^#\s+Completion Report:\s*(\S+)`)
	reportKVRe    = regexp.MustCompile(`^-\s*(Status|Duration|Commit):\s*(.+?)\s*$`)
	reportFileRe  = regexp.MustCompile("^-\\s*(create|modify|delete)\\s+`([^`]+)`")
	reportRowRe   = regexp.MustCompile(`^\|\s*([^|]+?)\s*\|\s*([^|]+?)\s*\|\s*([^|]+?)\s*\|$`)
)

// ParseReport reads a report back. Returns an error when the document
// lacks the title line; everything else degrades to empty fields.
func ParseReport(content string) (*CompletionReport, error) {
	r := &CompletionReport{}
	scanner := bufio.NewScanner(strings.NewReader(content))
	inCriteria := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if m := reportTitleRe.FindStringSubmatch(line); m != nil {
			r.TaskID = m[1]
			continue
		}
		if m := reportKVRe.FindStringSubmatch(line); m != nil {
			switch m[1] {
			case "Status":
				r.Status = m[2]
			case "Duration":
				r.Duration, _ = time.ParseDuration(m[2])
			case "Commit":
				r.CommitRef = m[2]
			}
			continue
		}
		if m := reportFileRe.FindStringSubmatch(line); m != nil {
			r.Files = append(r.Files, FileChanged{Operation: m[1], Path: m[2]})
			continue
		}
		if strings.HasPrefix(line, "## Pass Criteria") {
			inCriteria = true
			continue
		}
		if inCriteria {
			m := reportRowRe.FindStringSubmatch(line)
			if m == nil || m[1] == "Criterion" || strings.HasPrefix(m[1], "---") {
				continue
			}
			r.Criteria = append(r.Criteria, CriterionResult{Criterion: m[1], TestID: m[2], Result: m[3]})
		}
	}
	if r.TaskID == "" {
		return nil, fmt.Errorf("not a completion report: missing title")
	}
	return r, nil
}
