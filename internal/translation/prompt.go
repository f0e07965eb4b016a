package translation

import (
	"github.com/valyala/fasttemplate"

	"epub-translator/internal/lang"
)

const (
	DefaultSystemPrompt = "You are a professional translator. " +
		"Translate the following text to {target_language}. " +
		"Only return the translated text without any additional explanation or notes."

	autoSourcePrompt   = "The source language is not specified. Identify it from the text yourself."
	sourceLangTemplate = "The source language is {source_language}."
)

// RenderPrompt substitutes {name} placeholders in template. Unknown
// placeholders and unbalanced braces are left as written.
func RenderPrompt(template string, vars map[string]string) string {
	values := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		values[k] = v
	}
	return fasttemplate.ExecuteStringStd(template, "{", "}", values)
}

// SystemPrompt renders the prompt for targetLang. A non-empty custom prompt
// replaces the default entirely.
func SystemPrompt(custom, targetLang string) string {
	template := DefaultSystemPrompt
	if custom != "" {
		template = custom
	}
	return RenderPrompt(template, map[string]string{
		"target_language": lang.Name(targetLang),
	})
}

// SourcePrompt tells the model which language it is reading, or asks it to
// work that out when sourceLang is "auto".
func SourcePrompt(sourceLang string) string {
	if sourceLang == "" || lang.Normalize(sourceLang) == lang.Auto {
		return autoSourcePrompt
	}
	return RenderPrompt(sourceLangTemplate, map[string]string{
		"source_language": lang.Name(sourceLang),
	})
}
