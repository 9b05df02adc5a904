package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsToInfoAndJSON(t *testing.T) {
	log := New(Config{})
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
	_, isJSON := log.Formatter.(*logrus.JSONFormatter)
	require.True(t, isJSON)
}

func TestNewParsesLevelAndTextFormat(t *testing.T) {
	log := New(Config{Level: "debug", Format: "text"})
	require.Equal(t, logrus.DebugLevel, log.GetLevel())
	_, isText := log.Formatter.(*logrus.TextFormatter)
	require.True(t, isText)
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	log := New(Config{Level: "not-a-level"})
	require.Equal(t, logrus.InfoLevel, log.GetLevel())
}

func TestNewWritesToProvidedOutput(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Output: &buf})
	log.Info("hello")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
}

func TestNewDefaultTagsComponentField(t *testing.T) {
	log := NewDefault("scheduler")
	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.Info("tick")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "scheduler", entry["component"])
}
