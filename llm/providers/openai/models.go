package openai

import "github.com/brianfields/promptflow/llm/providers"

// rates prices OpenAI models in USD per million tokens.
var rates = providers.RateTable{
	"gpt-4o":        {Input: 2.50, Output: 10.00},
	"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
	"gpt-4.1":       {Input: 2.00, Output: 8.00},
	"gpt-4.1-mini":  {Input: 0.40, Output: 1.60},
	"gpt-4.1-nano":  {Input: 0.10, Output: 0.40},
	"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
	"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
	"o1":            {Input: 15.00, Output: 60.00},
	"o1-mini":       {Input: 1.10, Output: 4.40},
	"o3-mini":       {Input: 1.10, Output: 4.40},
}

// imagePrices holds flat USD prices per generated image, keyed by
// quality then size.
var imagePrices = map[string]map[string]float64{
	"standard": {
		"1024x1024": 0.040,
		"1792x1024": 0.080,
		"1024x1792": 0.080,
		"512x512":   0.018,
		"256x256":   0.016,
	},
	"hd": {
		"1024x1024": 0.080,
		"1792x1024": 0.120,
		"1024x1792": 0.120,
	},
}

// audioPricePerMillionChars prices speech synthesis input text.
const audioPricePerMillionChars = 15.0
