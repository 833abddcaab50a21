// Command ruleengine is a thin harness that compiles a YAML rule set and
// processes a YAML fact batch through the core engine, demonstrating the
// CompileRules/Process call shapes an embedding service builds against.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
