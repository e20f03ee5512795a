// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the two configuration layers the orchestrator needs:
// the YAML domain document (listener rules, the control endpoint's port,
// feature toggles) and the environment-variable ambient document
// (observability ports, log format).
package config
