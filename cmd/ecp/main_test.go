package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunDispatch(t *testing.T) {
	served := 0
	orig := startServer
	startServer = func(io.Writer) int { served++; return 0 }
	t.Cleanup(func() { startServer = orig })

	var out, errOut bytes.Buffer

	assert.Equal(t, 0, Run([]string{"ecp"}, &out, &errOut))
	assert.Equal(t, 0, Run([]string{"ecp", "server"}, &out, &errOut))
	assert.Equal(t, 2, served)

	assert.Equal(t, 0, Run([]string{"ecp", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "export")

	assert.Equal(t, 2, Run([]string{"ecp", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "unknown command")
}

func TestExportCmdRequiresFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	assert.Equal(t, 2, runExportCmd(nil, &out, &errOut))
	assert.Contains(t, errOut.String(), "required")
}

func TestParseStamp(t *testing.T) {
	ts, err := parseStamp("2026-08-01")
	assert.NoError(t, err)
	assert.Equal(t, "2026-08-01T00:00:00Z", ts.UTC().Format("2006-01-02T15:04:05Z"))

	_, err = parseStamp("not-a-date")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "RFC 3339"))
}
