package supervisor

import (
	"fmt"
	"strings"
)

// section writes a markdown section (## header + body) to the builder.
func section(b *strings.Builder, header, body string) {
	fmt.Fprintf(b, "## %s\n\n%s\n\n", header, body)
}

// BuildPrompt assembles the prompt handed to the execution tool: the task,
// the resources the worker owns for this session, and the self-reporting
// markers MarkerParser understands.
func BuildPrompt(worker, task string, resources []string) string {
	var b strings.Builder

	section(&b, "Role", fmt.Sprintf("You are worker %s. You execute exactly one task and then exit.", worker))
	section(&b, "Task", task)

	if len(resources) > 0 {
		var list strings.Builder
		for _, r := range resources {
			fmt.Fprintf(&list, "- %s\n", r)
		}
		section(&b, "Owned Resources",
			"You hold exclusive locks on the paths below. Other workers may be editing anything else; "+
				"do not modify files outside this list.\n\n"+strings.TrimRight(list.String(), "\n"))
	}

	section(&b, "Progress Reporting",
		"Print these markers on their own line as you work:\n\n"+
			"- `[PROGRESS] <path> <percent> <note>` when you make progress on a file\n"+
			"- `[DONE] <path>` when a file is finished\n"+
			"- `[WORKING] <short description>` when you switch to a new step\n"+
			"- `Task completed` once everything is done")

	section(&b, "Exit", "Exit with status 0 on success. On failure, print `Error: <reason>` and exit non-zero.")

	return strings.TrimRight(b.String(), "\n") + "\n"
}
