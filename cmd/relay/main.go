// Package main is the relay gateway CLI.
//
// Relay routes inbound messages through the agent loop: tiered model
// selection, tool execution with self-healing retries, hybrid memory
// recall, and remote command dispatch to paired nodes.
//
// Start the gateway:
//
//	relay serve --config relay.yaml
//
// Providers are configured through the environment:
//
//   - ANTHROPIC_API_KEY: Anthropic API key for claude models
//   - OPENAI_API_KEY: OpenAI API key for gpt/o-series models
//   - OPENAI_BASE_URL: override for OpenAI-compatible endpoints
//   - OLLAMA_HOST: Ollama base URL (default http://localhost:11434)
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
