package dispatch

import (
	"github.com/stepsage/stepsage-core/internal/scene"
)

const promptHeader = "You are StepSage. Speak to a blind person.\n" +
	"For each object in JSON output ONE sentence:\n" +
	"\"There is a <label> <dist> to your <dir>.\"\n" +
	"Never mention numbers or scores.\n\n" +
	"JSON:\n"

// BuildPrompt renders the narration instruction followed by the scene
// payload.
func BuildPrompt(sc scene.Scene) (string, error) {
	payload, err := sc.Payload()
	if err != nil {
		return "", err
	}
	return promptHeader + string(payload), nil
}
