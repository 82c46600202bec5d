package logger

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "debug", "json")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("peer", "111-222-333").Info("connected")
	assert.Contains(t, buf.String(), `"peer":"111-222-333"`)
	assert.Contains(t, buf.String(), `"msg":"connected"`)
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(&bytes.Buffer{}, "loud", "text")
	assert.Error(t, err)

	_, err = New(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestPionFactoryScopes(t *testing.T) {
	var buf bytes.Buffer
	log, err := New(&buf, "warn", "json")
	require.NoError(t, err)

	pion := PionFactory{Logger: log}.NewLogger("ice")
	pion.Info("gathering")
	assert.Empty(t, buf.String())

	pion.Warnf("candidate %d failed", 3)
	assert.Contains(t, buf.String(), `"pion":"ice"`)
	assert.Contains(t, buf.String(), "candidate 3 failed")
}
