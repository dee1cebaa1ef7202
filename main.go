// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Command fullmoon chats with local and hosted language models.
package main

import (
	"os"

	"github.com/jeranaias/fullmoon-go/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
