package llm

import "strings"

// routeEntry binds a model-name prefix to the providers that can serve it,
// in precedence order.
type routeEntry struct {
	prefix     string
	candidates []ProviderType
}

// routeTable is consulted in order; the first matching prefix wins. The
// table is the single source of provider precedence; call sites never
// match on prefixes themselves.
var routeTable = []routeEntry{
	{prefix: "claude-", candidates: []ProviderType{ProviderAnthropic, ProviderBedrock}},
	{prefix: "anthropic.", candidates: []ProviderType{ProviderBedrock}},
	{prefix: "gpt-", candidates: []ProviderType{ProviderOpenAI, ProviderAzure}},
	{prefix: "o1", candidates: []ProviderType{ProviderOpenAI, ProviderAzure}},
	{prefix: "o3", candidates: []ProviderType{ProviderOpenAI, ProviderAzure}},
	{prefix: "gemini-", candidates: []ProviderType{ProviderGemini}},
	{prefix: "nimbus-", candidates: []ProviderType{ProviderNimbus}},
}

// Route maps a model name to candidate providers in precedence order. An
// empty or unprefixed model routes to the configured default provider,
// expressed here as an empty candidate list.
func Route(model string) []ProviderType {
	if model == "" {
		return nil
	}
	for _, entry := range routeTable {
		if strings.HasPrefix(model, entry.prefix) {
			return entry.candidates
		}
	}
	// OpenRouter models are namespaced as vendor/model.
	if strings.Contains(model, "/") {
		return []ProviderType{ProviderOpenRouter}
	}
	return nil
}
