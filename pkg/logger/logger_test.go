package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesExtraOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.log")
	Init("kite-ingest", "prod", "info", path)
	L().Info("ingest.test_line")
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ingest.test_line")
	assert.Contains(t, string(data), `"service":"kite-ingest"`)
}

func TestAccessorsInitialiseLazily(t *testing.T) {
	log, sugar = nil, nil
	assert.NotNil(t, S())
	assert.NotNil(t, L())
}
