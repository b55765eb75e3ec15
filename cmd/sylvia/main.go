// Command sylvia serves the task API and runs the planning, scoring and
// analytics agents.
package main

import "sylvia/internal/cli"

func main() {
	cli.Execute()
}
