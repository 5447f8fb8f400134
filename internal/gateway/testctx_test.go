// ABOUTME: Test helper standing in for testing.T.Context on pre-1.24 toolchains
// ABOUTME: Returns a context cancelled when the test finishes

package gateway

import (
	"context"
	"testing"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
