//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are installed globally via `go install` and are not tracked in go.mod.
package tools

// Development tools (install via `go install`):
//
// Air - live reload for cmd/courier during template and handler work
//   Install: go install github.com/air-verse/air@v1.63.0
//   Run:     air --build.cmd "go build -o ./tmp/courier ./cmd/courier" --build.bin ./tmp/courier
//
// mockgen - regenerates internal/mocks (see internal/mocks/generate.go)
//   Invoked through `go run go.uber.org/mock/mockgen@v0.6.0`, no install needed.
