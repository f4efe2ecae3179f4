package memory

import (
	"fmt"
	"strings"
)

// RenderFindings renders a ParamResult as the report's memory-parameter
// table.
func RenderFindings(r ParamResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Memory parameter analysis for %s**\n\n", r.Function.Name)
	fmt.Fprintf(&b, "- Address: `%s`\n", r.Function.Address)
	fmt.Fprintf(&b, "- Parameters controlling memory operations: %s\n", yesNo(len(r.Findings) > 0))
	if r.Status == ParseFailed {
		b.WriteString("- Status: analysis reply could not be parsed; findings unavailable\n")
		return b.String()
	}
	if len(r.Findings) == 0 {
		b.WriteString("\nNo parameter directly controls the address of a memory read/write/copy.\n")
	} else {
		b.WriteString("\n| Parameter | Operation | Description | Evidence |\n")
		b.WriteString("| --- | --- | --- | --- |\n")
		for _, f := range r.Findings {
			fmt.Fprintf(&b, "| %s | %s | %s | `%s` |\n",
				f.Parameter, f.Operation, oneLine(f.Description), oneLine(f.Evidence))
		}
	}
	if r.Notes != "" {
		fmt.Fprintf(&b, "\nNotes: %s\n", r.Notes)
	}
	return b.String()
}

// RenderFlows renders a FlowResult as the report's flow-path table.
func RenderFlows(r FlowResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Memory flow analysis for %s**\n\n", r.Function.Name)
	fmt.Fprintf(&b, "- Address: `%s`\n", r.Function.Address)
	if len(r.Paths) == 0 {
		fmt.Fprintf(&b, "\nAnalyzed, nothing found: %s\n", r.Note)
		return b.String()
	}
	b.WriteString("\n| Path | Operation | Evidence |\n")
	b.WriteString("| --- | --- | --- |\n")
	for _, p := range r.Paths {
		hops := make([]string, len(p.Hops))
		for i, h := range p.Hops {
			hops[i] = fmt.Sprintf("%s(%s)", h.Function.Name, h.Parameter)
		}
		fmt.Fprintf(&b, "| %s | %s | `%s` |\n",
			strings.Join(hops, " -> "), p.Operation, oneLine(p.Evidence))
	}
	return b.String()
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
