// Package factory constructs provider adapters from configuration. It is
// the only package that knows every concrete adapter; the service sees just
// an llm.Factory.
package factory

import (
	"go.uber.org/zap"

	"github.com/brianfields/promptflow/config"
	"github.com/brianfields/promptflow/llm"
	"github.com/brianfields/promptflow/llm/ledger"
	"github.com/brianfields/promptflow/llm/providers"
	"github.com/brianfields/promptflow/llm/providers/anthropic"
	"github.com/brianfields/promptflow/llm/providers/azure"
	"github.com/brianfields/promptflow/llm/providers/bedrock"
	"github.com/brianfields/promptflow/llm/providers/gemini"
	"github.com/brianfields/promptflow/llm/providers/nimbus"
	"github.com/brianfields/promptflow/llm/providers/openai"
	"github.com/brianfields/promptflow/llm/providers/openrouter"
	"github.com/brianfields/promptflow/types"
)

// New returns a factory closing over the configuration. Construction errors
// are CONFIGURATION errors so the service can try fallback candidates.
func New(cfg *config.Config, repo *ledger.Repo, logger *zap.Logger) llm.Factory {
	deps := providers.Deps{
		Ledger:   repo,
		Logger:   logger,
		Defaults: cfg.LLM,
	}

	return func(t llm.ProviderType) (llm.Provider, error) {
		switch t {
		case llm.ProviderOpenAI:
			return openai.New(cfg.Providers.OpenAI, deps)
		case llm.ProviderAnthropic:
			return anthropic.New(cfg.Providers.Anthropic, deps)
		case llm.ProviderBedrock:
			return bedrock.New(cfg.Providers.Bedrock, deps)
		case llm.ProviderGemini:
			return gemini.New(cfg.Providers.Gemini, deps)
		case llm.ProviderOpenRouter:
			return openrouter.New(cfg.Providers.OpenRouter, deps)
		case llm.ProviderAzure:
			return azure.New(cfg.Providers.Azure, deps)
		case llm.ProviderNimbus:
			return nimbus.New(cfg.Providers.Nimbus, deps)
		default:
			return nil, types.NewConfigurationError("unknown provider type: " + string(t))
		}
	}
}
