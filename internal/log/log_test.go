package log

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel(" warn "))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
	assert.Equal(t, LevelInfo, ParseLevel(""))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden message")
	Debug("hidden debug")
	Error("feed failed", errors.New("boom"), "apartment", "1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "feed failed")
	assert.Contains(t, out, "err=boom")
	assert.Contains(t, out, "apartment=1")
}

func TestSetOutputWhileLogging(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				Info("refresh", "n", j)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		SetOutput(io.Discard)
	}
	wg.Wait()

	var buf bytes.Buffer
	SetOutput(&buf)
	Info("after swap")
	assert.Contains(t, buf.String(), "after swap")
}
