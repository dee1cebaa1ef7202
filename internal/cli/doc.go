// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the fullmoon command line.
//
// Commands are built with cobra. Running fullmoon without a subcommand
// starts the interactive chat.
//
// # Commands
//
//	fullmoon chat [--model NAME] [--thread ID]
//	fullmoon models list | pull NAME | use NAME | add NAME ENDPOINT | remove NAME
//	fullmoon threads list | show ID | search QUERY | delete ID
//	fullmoon config show | path | init | get KEY | set KEY VALUE
//	fullmoon status
//
// # Wiring
//
// App loads the config once per invocation and builds the Ollama client,
// thread store, session manager and chat lazily, so commands only touch
// the collaborators they use.
package cli
