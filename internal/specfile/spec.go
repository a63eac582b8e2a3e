// Package specfile parses the filesystem contracts between the
// orchestrator and its workers: the markdown feature spec, the YAML
// tasks file and the markdown completion report.
package specfile

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"autoforge/internal/logging"
)

// CriterionStatus is the optional status marker on a pass criterion line.
type CriterionStatus string

const (
	CriterionPending CriterionStatus = "pending"
	CriterionPassed  CriterionStatus = "passed"
	CriterionFailed  CriterionStatus = "failed"
)

// PassCriterion is one numbered line from the Pass Criteria section.
type PassCriterion struct {
	Number int
	Text   string
	Status CriterionStatus
}

// Spec is a parsed feature spec document. Missing optional sections are
// empty, never an error.
type Spec struct {
	Title           string
	Overview        string
	Functional      []string
	NonFunctional   []string
	TechnicalDesign string
	PassCriteria    []PassCriterion
	TestingStrategy map[string]string // name -> validation command
	Plan            []string          // implementation plan lines, in order
}

var (
	headingRe   = regexp.MustCompile(`^(#{1,3})\s+(.+?)\s*$`)
	criterionRe = regexp.MustCompile(`^\s*(\d+)[.)]\s*(?:\[([ xX!-])\]\s*)?(.+?)\s*$`)
	kvRe        = regexp.MustCompile(`^\s*[-*]?\s*([^:]+?)\s*:\s*` + "`?" + `([^` + "`" + `]+)` + "`?" + `\s*$`)
)

// ParseSpecFile reads and parses a spec document from disk.
func ParseSpecFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read spec %s: %w", path, err)
	}
	spec, err := ParseSpec(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to parse spec %s: %w", path, err)
	}
	return spec, nil
}

// ParseSpec parses a spec document. Unknown sections are ignored.
func ParseSpec(content string) (*Spec, error) {
	spec := &Spec{TestingStrategy: make(map[string]string)}

	section := ""
	subsection := ""
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if text == "" {
			return
		}
		switch section {
		case "overview":
			spec.Overview = text
		case "requirements":
			items := bulletLines(text)
			if subsection == "non-functional" {
				spec.NonFunctional = append(spec.NonFunctional, items...)
			} else if subsection == "functional" || subsection == "" {
				spec.Functional = append(spec.Functional, items...)
			}
		case "technical design":
			if spec.TechnicalDesign != "" {
				spec.TechnicalDesign += "\n\n"
			}
			spec.TechnicalDesign += text
		case "pass criteria":
			spec.PassCriteria = append(spec.PassCriteria, parseCriteria(text)...)
		case "testing strategy":
			for _, line := range strings.Split(text, "\n") {
				if m := kvRe.FindStringSubmatch(line); m != nil {
					spec.TestingStrategy[strings.TrimSpace(m[1])] = strings.TrimSpace(m[2])
				}
			}
		case "implementation plan":
			spec.Plan = append(spec.Plan, bulletLines(text)...)
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m := headingRe.FindStringSubmatch(line)
		if m == nil {
			body = append(body, line)
			continue
		}
		flush()
		name := strings.ToLower(strings.TrimSpace(m[2]))
		switch len(m[1]) {
		case 1:
			if spec.Title == "" {
				spec.Title = strings.TrimSpace(m[2])
			}
			section, subsection = name, ""
		case 2:
			section, subsection = name, ""
		default:
			subsection = name
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan spec: %w", err)
	}
	logging.StoreDebug("Parsed spec %q: %d functional, %d criteria, %d validation commands",
		spec.Title, len(spec.Functional), len(spec.PassCriteria), len(spec.TestingStrategy))
	return spec, nil
}

// bulletLines strips list markers and drops empty lines.
func bulletLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		line = strings.TrimPrefix(line, "* ")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// parseCriteria reads numbered criterion lines. The optional marker maps
// [x] to passed and [!]/[-] to failed; anything else is pending.
func parseCriteria(text string) []PassCriterion {
	var out []PassCriterion
	for _, line := range strings.Split(text, "\n") {
		m := criterionRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		c := PassCriterion{Text: strings.TrimSpace(m[3]), Status: CriterionPending}
		fmt.Sscanf(m[1], "%d", &c.Number)
		switch m[2] {
		case "x", "X":
			c.Status = CriterionPassed
		case "!", "-":
			c.Status = CriterionFailed
		}
		out = append(out, c)
	}
	return out
}
