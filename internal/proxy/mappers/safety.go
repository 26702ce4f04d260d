package mappers

import "strings"

// The full block-nothing list sent with most models.
var fullSafetyCategories = []string{
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
	"HARM_CATEGORY_DEROGATORY",
	"HARM_CATEGORY_TOXICITY",
	"HARM_CATEGORY_VIOLENCE",
	"HARM_CATEGORY_SEXUAL",
	"HARM_CATEGORY_MEDICAL",
	"HARM_CATEGORY_DANGEROUS",
}

// Older model builds reject the extended categories; they get the short list.
var basicSafetyCategories = []string{
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
}

var basicSafetyModels = map[string]bool{
	"gemini-2.5-flash-image": true,
	"gemini-2.0-flash":       true,
}

// SafetySettingsFor returns the BLOCK_NONE safety block for a model.
func SafetySettingsFor(upstreamModel string) []SafetySetting {
	categories := fullSafetyCategories
	if basicSafetyModels[strings.ToLower(upstreamModel)] {
		categories = basicSafetyCategories
	}
	out := make([]SafetySetting, 0, len(categories))
	for _, c := range categories {
		out = append(out, SafetySetting{Category: c, Threshold: "BLOCK_NONE"})
	}
	return out
}
