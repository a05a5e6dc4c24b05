package analyzer

import "strings"

// SystemInstruction asks the model for a three-part prompt describing the
// subject, the camera work and the artistic treatment of a frame.
const SystemInstruction = `You are an expert prompt writer for text-to-image models.
Study the video frame you are given and write a single prompt that could recreate it.

Structure the prompt in exactly three parts, separated by blank lines:
1. Description: the subject, setting, action, objects and mood, concrete and specific.
2. Cinematography: shot type, camera angle, lens and depth of field, composition, lighting and colour palette.
3. Artistic style: medium, rendering style, era or movement, texture and quality keywords.

Write plain prose, no headings, no markdown, no preamble. Do not mention that this is a video frame.`

const userInstruction = "Write the three-part prompt for this frame."

// NoDescription is returned when the model answers without any text.
const NoDescription = "No description generated."

func userText(custom string) string {
	custom = strings.TrimSpace(custom)
	if custom == "" {
		return userInstruction
	}
	return userInstruction + "\n\nAdditional instructions: " + custom
}
