package log

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug,
		"":      LevelInfo,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	require.Error(t, err)
}

func TestNewWithConfig(t *testing.T) {
	t.Run("Level", func(t *testing.T) {
		logger, err := NewWithConfig(Config{Level: "warn", Encoding: "console"})
		require.NoError(t, err)
		require.Equal(t, LevelWarn, logger.GetLevel())

		logger.SetLevel(LevelDebug)
		require.Equal(t, LevelDebug, logger.GetLevel())
	})

	t.Run("Bad Encoding", func(t *testing.T) {
		_, err := NewWithConfig(Config{Level: "info", Encoding: "xml"})
		require.Error(t, err)
	})
}

func TestFieldConversion(t *testing.T) {
	fields := toZapFields(
		Uint64("client_id", 7),
		Duration("tick", time.Second),
		Int("n", 1),
		Error(errors.New("boom")),
		Error(nil),
		Stringer("area", stringer("[(0, 0)..(1, 1))")),
		Field{Key: "v", Value: struct{}{}},
	)
	require.Len(t, fields, 7)
	require.Equal(t, "client_id", fields[0].Key)
	require.Equal(t, int64(7), fields[0].Integer)
	require.Equal(t, int64(time.Second), fields[1].Integer)
	require.Equal(t, "error", fields[3].Key)
	require.Equal(t, "area", fields[5].Key)
}

type stringer string

func (s stringer) String() string { return string(s) }

func TestNop(t *testing.T) {
	logger := NewNop()
	logger.With(String("component", "test")).Info("dropped", Int("n", 1))
}
