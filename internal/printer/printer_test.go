package printer

import (
	"bytes"
	"os"
	"testing"

	"github.com/dyluth/crucible/pkg/taskgraph"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	SetOutput(&out, &errOut)
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() {
		color.NoColor = prev
		SetOutput(os.Stdout, os.Stderr)
	})
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
		assert.NotContains(t, errOut.String(), "Either")
	})

	t.Run("single suggestion is printed bare", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"Try this fix"})
		require.Error(t, err)
		assert.Contains(t, errOut.String(), "\nTry this fix\n")
	})

	t.Run("multiple suggestions are numbered", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Error(t, err)
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Test Error", "Explanation", map[string]string{
		"Namespace": "prod",
		"Address":   "localhost:6379",
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "Test Error", err.Error())
	assert.Contains(t, errOut.String(), "  Address: localhost:6379\n  Namespace: prod\n")
}

func TestMessages(t *testing.T) {
	out, errOut := capture(t)
	Success("created %s\n", "hub")
	Step("connecting\n")
	Warning("slow\n")

	assert.Equal(t, "✓ created hub\n→ connecting\n", out.String())
	assert.Equal(t, "⚠️  slow\n", errOut.String())
}

func TestStatus(t *testing.T) {
	capture(t)
	assert.Equal(t, "running ", Status(taskgraph.StatusRunning, 8))
	assert.Equal(t, "complete", Status(taskgraph.StatusComplete, 0))
}
