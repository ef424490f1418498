package admission

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	MinInstructionLength = 1
	MaxInstructionLength = 1000
)

// SanitizeInstruction validates and normalizes an instruction before any
// session or planner work happens. Rejecting junk here keeps bad input from
// ever reaching the planning service.
func SanitizeInstruction(instruction string) (string, error) {
	sanitized := strings.TrimSpace(instruction)

	if len(sanitized) < MinInstructionLength {
		return "", fmt.Errorf("instruction is empty")
	}
	if len(sanitized) > MaxInstructionLength {
		return "", fmt.Errorf("instruction exceeds %d characters", MaxInstructionLength)
	}

	hasContent := false
	for _, r := range sanitized {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasContent = true
			break
		}
	}
	if !hasContent {
		return "", fmt.Errorf("instruction contains no letters or digits")
	}

	// Collapse runs of whitespace so near-identical instructions hash and
	// embed the same.
	return strings.Join(strings.Fields(sanitized), " "), nil
}
