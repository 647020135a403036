package scriptagents

import (
	"fmt"
	"strings"

	"github.com/martinemde/sceneloop/sessionloop"
)

// Decline tokens. The model emits one of these, alone, when it has
// nothing to produce; the agent maps them to an empty script.
const (
	DeclineCannotFix     = "CANNOT_FIX"
	DeclineNoImprovement = "NO_FURTHER_IMPROVEMENT"
)

const plannerSystemPrompt = `You are an expert Blender Python programmer. You write complete bpy scripts that build 3D scenes from a text description.

Rules:
- Output exactly one Python script, inside a single fenced code block.
- The script runs inside a live Blender process; import bpy yourself.
- Do not call bpy.ops.wm.quit_blender or touch render settings.
- Name created objects descriptively.`

const correctorSystemPrompt = `You are an expert Blender Python programmer. You repair scripts that failed inside a live Blender process.

You receive the failed script and the exact error output. The failed script may have partially modified the scene before the error: objects it created before the failing line still exist. Your replacement script must account for that partial state rather than assume a clean scene.

Rules:
- Output exactly one Python script, inside a single fenced code block.
- If the failure cannot be repaired by a new script, output exactly ` + DeclineCannotFix + ` and nothing else.`

const criticSystemPrompt = `You are an expert 3D art critic and Blender Python programmer. You review a modeling script alongside renders of the scene it produced, and propose one edit script that improves the result.

Rules:
- Output exactly one Python script, inside a single fenced code block. The script edits the existing scene; it does not rebuild it.
- If the scene needs no further improvement, output exactly ` + DeclineNoImprovement + ` and nothing else.`

func buildPlanPrompt(prompt string, history []sessionloop.Attempt) string {
	var sb strings.Builder
	sb.WriteString("Create a Blender scene: ")
	sb.WriteString(prompt)
	if summary := summarizeHistory(history); summary != "" {
		sb.WriteString("\n\n")
		sb.WriteString(summary)
	}
	return sb.String()
}

func buildCorrectPrompt(script, detail string, history []sessionloop.Attempt) string {
	var sb strings.Builder
	sb.WriteString("This script failed:\n\n```python\n")
	sb.WriteString(script)
	sb.WriteString("\n```\n\nError output:\n\n")
	sb.WriteString(detail)
	if summary := summarizeHistory(history); summary != "" {
		sb.WriteString("\n\n")
		sb.WriteString(summary)
	}
	sb.WriteString("\n\nProduce a corrected script.")
	return sb.String()
}

func buildCritiquePrompt(script string, images []sessionloop.ImageUpload, history []sessionloop.Attempt) string {
	var sb strings.Builder
	sb.WriteString("Current scene script:\n\n```python\n")
	sb.WriteString(script)
	sb.WriteString("\n```\n\n")
	fmt.Fprintf(&sb, "The scene was rendered from %d viewpoints", len(images))
	if len(images) > 0 {
		names := make([]string, len(images))
		for i, img := range images {
			names[i] = img.Filename()
		}
		sb.WriteString(" (" + strings.Join(names, ", ") + ")")
	}
	sb.WriteString(".\n")
	if summary := summarizeHistory(history); summary != "" {
		sb.WriteString("\n")
		sb.WriteString(summary)
	}
	sb.WriteString("\nPropose one edit script that improves the scene, or decline.")
	return sb.String()
}

// summarizeHistory compresses the attempt history into a short context
// block: outcome per attempt plus the error detail of recent failures.
// Scripts are omitted; the caller supplies the one that matters.
func summarizeHistory(history []sessionloop.Attempt) string {
	if len(history) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Session history:\n")
	for _, a := range history {
		fmt.Fprintf(&sb, "- attempt %d (%s): %s", a.Seq, a.Phase, a.Outcome)
		if a.Outcome != sessionloop.OutcomeSucceeded && a.Detail != "" {
			detail := a.Detail
			if len(detail) > 200 {
				detail = detail[:200] + "..."
			}
			sb.WriteString(": " + detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// ExtractScript pulls the script out of a model response: the contents
// of the first fenced code block, or the trimmed response when no
// fence is present.
func ExtractScript(text string) string {
	trimmed := strings.TrimSpace(text)

	start := strings.Index(trimmed, "```")
	if start == -1 {
		return trimmed
	}

	rest := trimmed[start+3:]
	// Drop the language tag line if present.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		firstLine := strings.TrimSpace(rest[:nl])
		if firstLine == "" || isLanguageTag(firstLine) {
			rest = rest[nl+1:]
		}
	}

	if end := strings.Index(rest, "```"); end != -1 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

func isLanguageTag(s string) bool {
	switch strings.ToLower(s) {
	case "python", "py", "python3":
		return true
	}
	return false
}

// IsDecline reports whether a model response is a decline token rather
// than a script.
func IsDecline(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == DeclineCannotFix || trimmed == DeclineNoImprovement
}
