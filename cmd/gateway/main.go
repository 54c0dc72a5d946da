// Copyright (C) 2025 Quillworks (oss@quillworks.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gateway runs the Quillworks AI gateway: one HTTP surface in
// front of heterogeneous model backends, with attachment extraction,
// canvas documents, and per-model capability routing.
package main

import (
	"log"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Quillworks AI gateway",
	Long: `The gateway exposes a single conversational API over multiple AI
backends (OpenAI, Anthropic, Ollama), routing each turn by model
capability and folding long-form output into canvas documents.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
