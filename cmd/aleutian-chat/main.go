// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command aleutian-chat runs the streaming chat answer service.
//
// # Usage
//
//	# Build
//	go build -ldflags "-X main.version=1.2.0" -o aleutian-chat ./cmd/aleutian-chat
//
//	# Run with ./config.yaml or /etc/aleutian-chat/config.yaml
//	ALEUTIAN_CHAT_LLM_API_KEY=sk-... ./aleutian-chat serve
//
//	# Show the effective configuration with secrets masked
//	./aleutian-chat config --config ./config.yaml
package main

import (
	"os"
)

// version is set at build time with -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
