package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchConsoleClose(t *testing.T) {
	closeChan := make(chan struct{})
	go watchConsole(strings.NewReader("status\n  CLOSE \n"), closeChan)

	select {
	case <-closeChan:
	case <-time.After(time.Second):
		t.Fatal("close command was not recognised")
	}
}

func TestWatchConsoleIgnoresOtherInput(t *testing.T) {
	closeChan := make(chan struct{})
	watchConsole(strings.NewReader("help\nclosed\n"), closeChan)

	select {
	case <-closeChan:
		t.Fatal("unexpected close")
	default:
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "# comment\nPROXYBRIDGE_TEST_A=one\nPROXYBRIDGE_TEST_B=\"two words\"\ninvalid line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("PROXYBRIDGE_TEST_A")
		_ = os.Unsetenv("PROXYBRIDGE_TEST_B")
	})

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "one", os.Getenv("PROXYBRIDGE_TEST_A"))
	assert.Equal(t, "two words", os.Getenv("PROXYBRIDGE_TEST_B"))

	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}
