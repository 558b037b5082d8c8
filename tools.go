//go:build tools

// Package tools tracks the mockery codegen tool in go.mod without any
// runtime package importing it, the standard way to pin a tool dependency
// that go mod tidy would otherwise prune.
package tools

import (
	_ "github.com/vektra/mockery/v2"
)
