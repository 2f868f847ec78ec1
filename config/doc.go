// Copyright IBM Corp. 2023, 2025
// SPDX-License-Identifier: MPL-2.0

// Package config provides a configuration struct and options to adjust the configuration.
//
// The configuration struct holds all configuration options of the archive engine: the
// execution host, the memory admission controller and the orchestrator. The configuration
// options can be adjusted using the option pattern style.
//
// The default configuration is designed to be safe by default and prevent exhaustion:
// extraction output and entry counts are limited and the memory budget is bounded.
package config
