package ipmblog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/hiomesh/ipmb-go/pkg/ipmblog"
	"github.com/stretchr/testify/assert"
)

func TestInfoIsAlwaysEmitted(t *testing.T) {
	var buf bytes.Buffer
	l := ipmblog.NewWriter(&buf, "")
	l.Info("hello")
	assert.Contains(t, buf.String(), "[INFO] hello")
}

func TestDebugSuppressedUntilEnabled(t *testing.T) {
	var buf bytes.Buffer
	l := ipmblog.NewWriter(&buf, "")
	l.Debug("quiet")
	assert.Empty(t, strings.TrimSpace(buf.String()))

	l.SetDebug(true)
	l.Debug("loud")
	assert.Contains(t, buf.String(), "[DEBUG] loud")
}

func TestErrorf(t *testing.T) {
	var buf bytes.Buffer
	l := ipmblog.NewWriter(&buf, "")
	l.Errorf("boom %d", 42)
	assert.Contains(t, buf.String(), "[ERROR] boom 42")
}
