package main

import (
	"context"
	"log"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

const narratorSystemPrompt = `You are the court chronicler of Camelot narrating the end of a game of hidden loyalties. Given the outcome, write a short dramatic epilogue. Keep it to 2-3 sentences. Be Arthurian and solemn; never invent events beyond the summary.`

// Narrator writes the epilogue for a finished game. A nil Narrator means the
// feature is disabled.
type Narrator interface {
	Epilogue(ctx context.Context, summary []string) (string, error)
}

type llmNarrator struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (n *llmNarrator) Epilogue(ctx context.Context, summary []string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, n.systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman,
			"The game just ended:\n"+strings.Join(summary, "\n")+
				"\n\nWrite the epilogue (2-3 sentences)."),
	}
	resp, err := n.llm.GenerateContent(ctx, messages, n.callOpts...)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Content), nil
}

// buildNarratorOpts builds LLM call options from the config.
func buildNarratorOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption
	if cfg.NarratorTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.NarratorTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Narrator: temperature=%.2f", f)
		} else {
			log.Printf("Narrator: invalid temperature %q: %v", cfg.NarratorTemperature, err)
		}
	}
	return opts
}

// newNarrator builds the narrator from config, or returns nil when no
// provider is configured.
func newNarrator(cfg AppConfig) Narrator {
	provider := cfg.NarratorProvider
	model := cfg.NarratorModel
	callOpts := buildNarratorOpts(cfg)

	switch provider {
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.NarratorOllamaURL))
		if err != nil {
			log.Printf("Narrator: failed to init Ollama (%s at %s): %v", model, cfg.NarratorOllamaURL, err)
			return nil
		}
		log.Printf("Narrator: Ollama model=%s url=%s", model, cfg.NarratorOllamaURL)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "openai":
		llm, err := openai.New(openai.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init OpenAI (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: OpenAI model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "claude":
		llm, err := anthropic.New(anthropic.WithModel(model))
		if err != nil {
			log.Printf("Narrator: failed to init Claude (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: Claude model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "groq":
		llm, err := openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
		if err != nil {
			log.Printf("Narrator: failed to init Groq (%s): %v", model, err)
			return nil
		}
		log.Printf("Narrator: Groq model=%s", model)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	case "openai-compatible":
		if cfg.NarratorURL == "" {
			log.Printf("Narrator: narrator_url is required for openai-compatible provider")
			return nil
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.NarratorURL),
		}
		if cfg.NarratorAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.NarratorAPIKey))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			log.Printf("Narrator: failed to init openai-compatible (%s at %s): %v", model, cfg.NarratorURL, err)
			return nil
		}
		log.Printf("Narrator: openai-compatible model=%s url=%s", model, cfg.NarratorURL)
		return &llmNarrator{llm: llm, systemPrompt: narratorSystemPrompt, callOpts: callOpts}
	default:
		log.Printf("Narrator: disabled (set narrator_provider to enable)")
		return nil
	}
}
