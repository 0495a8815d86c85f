// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider defines the inference backend abstraction: descriptors
// describing each backend's capabilities, the registry that owns them, and
// the closed set of Invoker implementations (local Ollama, OpenRouter
// cloud, and a mock for tests).
//
// The set is deliberately closed: every backend integration is a concrete
// type checked at compile time, never a dynamically-typed placeholder.
// Descriptor.CurrentLoad is mutated only by the admission controller.
package provider
