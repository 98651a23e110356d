package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/ahrdadan/atlasprobe/internal/scenario"
)

var (
	passColor  = color.New(color.FgGreen, color.Bold)
	failColor  = color.New(color.FgRed, color.Bold)
	faintColor = color.New(color.Faint)
)

func statusLabel(passed bool) string {
	if passed {
		return passColor.Sprint("PASS")
	}
	return failColor.Sprint("FAIL")
}

// printSummary writes one line per scenario plus the failing step and
// screenshot path, then a totals line.
func printSummary(out io.Writer, reports []*scenario.Report) {
	passed := 0
	for _, r := range reports {
		if r == nil {
			continue
		}

		fmt.Fprintf(out, "%s  %s %s\n", statusLabel(r.Passed()), r.Scenario,
			faintColor.Sprintf("(%s, %s)", r.RunID, r.Duration().Round(time.Millisecond)))

		if r.Passed() {
			passed++
		} else {
			if step := r.FailedStep(); step != nil {
				fmt.Fprintf(out, "      step %d %s: %s\n", step.Index, step.Label, step.Error)
			} else if r.Error != "" {
				fmt.Fprintf(out, "      %s\n", r.Error)
			}
		}

		for _, a := range r.Artifacts {
			fmt.Fprintf(out, "      screenshot: %s (%dx%d)\n", a.Path, a.Width, a.Height)
		}
	}

	total := 0
	for _, r := range reports {
		if r != nil {
			total++
		}
	}

	line := fmt.Sprintf("%d/%d scenarios passed", passed, total)
	if passed == total && total > 0 {
		passColor.Fprintln(out, line)
	} else {
		failColor.Fprintln(out, line)
	}
}
