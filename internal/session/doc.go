// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session orchestrates generation for one conversation front-end.
//
// Manager owns the local model load slot and admits one generation at a
// time. A call made while another is running is rejected immediately; it is
// never queued and never disturbs the running call. Every outcome is a
// typed Result.
//
// Chat layers the conversation flow on top: lazy thread creation, message
// persistence, and the current-thread reference.
//
// # Usage
//
//	mgr, err := session.NewManager(session.Config{Local: localCfg, Hosted: client})
//	chat := session.NewChat(session.ChatConfig{Manager: mgr, Store: store, Default: sel})
//	reply, err := chat.Send(ctx, "hello")
//	fmt.Println(reply.Result.Display())
package session
