package meme

import "fmt"

const promptTemplate = "Funny meme image with cartoon style, vibrant colors. " +
	"The image should have medium-sized, white text with black outline in impact font. " +
	"The meme should be about: %s. " +
	"The text should be short, funny, and placed at the top and bottom of the image in classic meme style. " +
	"Make sure the text is not too large."

// BuildPrompt wraps the user's idea in the fixed meme style instructions.
func BuildPrompt(userPrompt string) string {
	return fmt.Sprintf(promptTemplate, userPrompt)
}
