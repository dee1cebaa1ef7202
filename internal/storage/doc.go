// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists threads and their messages.
//
// Writes are staged with InsertThread and InsertMessage and committed by
// Save. Every failure is reported as a PersistenceError so callers can
// decide whether to retry or alert. Deleting a thread deletes its messages.
//
// # Backends
//
//   - JSONStore: one JSON file per thread, written atomically
//   - SQLiteStore: a single database with ON DELETE CASCADE
//
// # Usage
//
//	store, err := storage.Open(storage.Config{Backend: "sqlite", Path: path})
//	store.InsertThread(thread)
//	store.InsertMessage(msg)
//	if err := store.Save(ctx); err != nil {
//	    // err is a *model.Error of kind PersistenceError
//	}
package storage
