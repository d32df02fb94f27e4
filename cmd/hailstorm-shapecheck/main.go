// Command hailstorm-shapecheck parses a shape expression from argv and
// prints t,value samples for a requested range — useful for validating
// hs_clients_distribution.<model> values before deploying them.
//
// Grounded on the teacher's cmd/getcc: flag.* driven single-purpose
// CLI, error-to-stderr-then-exit(1) on failure.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/hailstorm-sh/hailstorm/internal/shape"
)

func main() {
	expr := flag.String("expr", "", "shape expression to evaluate, e.g. \"20*rect(t/120)\"")
	from := flag.Float64("from", 0, "start of the sampled t range, in seconds")
	to := flag.Float64("to", 120, "end of the sampled t range, in seconds")
	step := flag.Float64("step", 1, "sample interval, in seconds")
	asCount := flag.Bool("count", false, "also print the rounded non-negative integer target count for each sample")
	flag.Parse()

	if *expr == "" {
		fmt.Fprintln(os.Stderr, "Usage: hailstorm-shapecheck -expr \"<shape expression>\" [-from T] [-to T] [-step T] [-count]")
		os.Exit(1)
	}
	if *step <= 0 {
		fmt.Fprintln(os.Stderr, "error: -step must be positive")
		os.Exit(1)
	}

	if err := sampleRange(os.Stdout, *expr, *from, *to, *step, *asCount); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// sampleRange compiles expr and writes one "t,value[,count]" line per
// sample in [from, to] to w.
func sampleRange(w io.Writer, expr string, from, to, step float64, asCount bool) error {
	sh, err := shape.Compile(expr)
	if err != nil {
		return fmt.Errorf("compiling expression: %w", err)
	}

	for t := from; t <= to; t += step {
		value, err := sh.Eval(t)
		if err != nil {
			return fmt.Errorf("evaluating at t=%g: %w", t, err)
		}
		if asCount {
			fmt.Fprintf(w, "%g,%g,%d\n", t, value, shape.TargetCount(value))
		} else {
			fmt.Fprintf(w, "%g,%g\n", t, value)
		}
	}
	return nil
}
