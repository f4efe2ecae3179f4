// Package report owns the final markdown document. Sections arrive from the
// orchestrator already ordered; rendering is purely mechanical so that the
// document is deterministic for deterministic inputs.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drivertriage/internal/backend"
)

// Subsection documents one subfunction of a dispatch target. Body is either
// the generated description or a placeholder note when generation failed.
type Subsection struct {
	Name        string
	Address     backend.Addr
	Kind        string // internal | external
	Body        string
	MemFindings string // nested memory-parameter table, when triggered
}

// Target is the report block for one resolved dispatch handler.
type Target struct {
	Caller     backend.FunctionRef
	Handler    backend.FunctionRef
	Resolved   bool
	Resolution string // placeholder note when Resolved is false
	Notes      []string
	Subs       []Subsection
	MemParams  string
	MemFlows   string
}

// Document is the whole triage report for one binary.
type Document struct {
	EntrySymbol string
	Note        string // e.g. "entry not found"
	Targets     []Target
	Deep        string // deep-analysis closing section
}

// Render produces the final markdown.
func (d *Document) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s dispatch analysis report\n", d.EntrySymbol)
	if d.Note != "" {
		fmt.Fprintf(&b, "\n%s\n", d.Note)
	}
	for i, t := range d.Targets {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		renderTarget(&b, t)
	}
	b.WriteString("\n## Deep analysis\n\n")
	if d.Deep != "" {
		b.WriteString(d.Deep)
		b.WriteString("\n")
	} else {
		b.WriteString("(no deep analysis produced)\n")
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func renderTarget(b *strings.Builder, t Target) {
	fmt.Fprintf(b, "\n## Caller: %s @ `%s`\n", t.Caller.Name, t.Caller.Address)
	if !t.Resolved {
		fmt.Fprintf(b, "\n%s\n", t.Resolution)
		return
	}
	fmt.Fprintf(b, "\n**Device-control handler:** %s @ `%s`\n", t.Handler.Name, t.Handler.Address)
	for _, n := range t.Notes {
		fmt.Fprintf(b, "\n> %s\n", n)
	}

	b.WriteString("\n### Subfunction descriptions\n")
	if len(t.Subs) == 0 {
		b.WriteString("\n(no subfunction descriptions available)\n")
	}
	for _, s := range t.Subs {
		fmt.Fprintf(b, "\n#### %s (%s)\n- Address: `%s`\n\n%s\n",
			s.Name, s.Kind, s.Address, strings.TrimSpace(s.Body))
		if s.MemFindings != "" {
			fmt.Fprintf(b, "\n---\n%s\n", strings.TrimSpace(s.MemFindings))
		}
	}

	b.WriteString("\n### Handler memory parameter analysis\n\n")
	b.WriteString(strings.TrimSpace(t.MemParams))
	b.WriteString("\n")

	b.WriteString("\n### Handler memory flow analysis\n\n")
	b.WriteString(strings.TrimSpace(t.MemFlows))
	b.WriteString("\n")
}

// Write stores the rendered document under dir with a unix-timestamp name
// and returns the path.
func (d *Document) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.md", time.Now().Unix()))
	if err := os.WriteFile(path, []byte(d.Render()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
