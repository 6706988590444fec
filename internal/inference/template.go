package inference

import "strings"

// ChatML markers used by Qwen-family checkpoints.
const (
	imStart     = "<|im_start|>"
	imEnd       = "<|im_end|>"
	visionBlock = "<|vision_start|><|image_pad|><|vision_end|>"
)

// RenderChatML renders messages with the ChatML template. Image parts become
// the vision placeholder block; text parts are concatenated in order.
func RenderChatML(messages []Message, addGenerationPrompt bool) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(imStart)
		b.WriteString(m.Role)
		b.WriteByte('\n')
		for _, p := range m.Content {
			switch p.Type {
			case PartText:
				b.WriteString(p.Text)
			case PartImage:
				b.WriteString(visionBlock)
			}
		}
		b.WriteString(imEnd)
		b.WriteByte('\n')
	}
	if addGenerationPrompt {
		b.WriteString(imStart)
		b.WriteString("assistant\n")
	}
	return b.String()
}
