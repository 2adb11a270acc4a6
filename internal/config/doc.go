// Package config provides centralized configuration management for the
// ChainForge runtime, covering storage, queue, toolchain, and chain access
// settings loaded from a single JSON file with sensible defaults.
package config
