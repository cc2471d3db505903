package workspace

import (
	"fmt"
	"strings"
)

// InstructionFileName is the instruction file injected at the sandbox root
// for every spawn, analogous to a project-level CLAUDE.md.
const InstructionFileName = "AGENT.md"

// InstructionInput carries everything needed to render one spawn's
// instruction file. Nothing here persists process-internal state: it is
// entirely reconstructed from the persona, the task, and the last snapshot.
type InstructionInput struct {
	PersonaTemplate string
	Role            string
	TaskID          string
	TaskDescription string
	Branch          string
	PreviousSummary string
}

// RenderInstructions assembles the per-spawn instruction file from a
// persona's template, the task at hand, and the prior spawn's snapshot
// summary (if any). Each spawn is a fresh process with no carried-over
// memory, so everything the agent needs to resume work must be written here.
func RenderInstructions(in InstructionInput) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# Role: %s\n\n", in.Role))
	if in.PersonaTemplate != "" {
		sb.WriteString(in.PersonaTemplate)
		sb.WriteString("\n\n")
	}

	sb.WriteString(fmt.Sprintf("## Task %s\n\n%s\n\n", in.TaskID, in.TaskDescription))
	sb.WriteString(fmt.Sprintf("## Branch\n\n%s\n\n", in.Branch))

	if in.PreviousSummary != "" {
		sb.WriteString("## Progress so far\n\n")
		sb.WriteString(in.PreviousSummary)
		sb.WriteString("\n\n")
	}

	sb.WriteString("When you complete the task, are blocked, or have opened a pull request, ")
	sb.WriteString("record it in the communications document before exiting.\n")

	return sb.String()
}
