package gemini

// API path constants for the generativelanguage v1beta surface.
// These constants define the contract with the upstream API endpoints.

const (
	// APIVersion is the upstream API version segment.
	APIVersion = "v1beta"

	// ActionGenerate is the non-streaming generation action.
	ActionGenerate = "generateContent"

	// ActionStreamGenerate is the streaming generation action.
	ActionStreamGenerate = "streamGenerateContent"

	// ActionCountTokens is the token counting action.
	ActionCountTokens = "countTokens"
)

// BuildModelActionPath constructs the path for a model action.
// Example: BuildModelActionPath("gemini-2.5-flash", ActionGenerate)
// -> "/v1beta/models/gemini-2.5-flash:generateContent"
func BuildModelActionPath(model, action string) string {
	return "/" + APIVersion + "/models/" + model + ":" + action
}

// BuildListModelsPath constructs the path for listing available models.
func BuildListModelsPath() string {
	return "/" + APIVersion + "/models"
}
