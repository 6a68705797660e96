package logger

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	Replace(nil)
	once = sync.Once{}
}

func TestInit(t *testing.T) {
	tests := []struct {
		name      string
		level     string
		format    string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"production json", "info", "json", zapcore.InfoLevel, false},
		{"development console", "debug", "console", zapcore.DebugLevel, false},
		{"unknown format falls back to json", "warn", "logfmt", zapcore.WarnLevel, false},
		{"bad level", "verbose", "json", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetLogger()
			err := Init(tt.level, tt.format)
			if (err != nil) != tt.wantErr {
				t.Errorf("Init(%q, %q) error = %v, wantErr %v", tt.level, tt.format, err, tt.wantErr)
				return
			}
			if !tt.wantErr && GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

// TestSetLevel verifies dynamic log level changes via AtomicLevel.
func TestSetLevel(t *testing.T) {
	resetLogger()

	if err := Init("info", "json"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tests := []struct {
		name      string
		level     string
		wantLevel zapcore.Level
		wantErr   bool
	}{
		{"to debug", "debug", zapcore.DebugLevel, false},
		{"to error", "error", zapcore.ErrorLevel, false},
		{"back to info", "info", zapcore.InfoLevel, false},
		{"invalid", "bogus", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SetLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
				return
			}
			if !tt.wantErr && GetLevel() != tt.wantLevel {
				t.Errorf("GetLevel() = %v, want %v", GetLevel(), tt.wantLevel)
			}
		})
	}
}

func TestL_NopWithoutInit(t *testing.T) {
	resetLogger()

	require.NotNil(t, L())
	require.NotPanics(t, func() {
		Info("dropped")
		ForBlueprint("bp-1", "vmchain").Warn("dropped")
	})
}

func TestForBlueprint(t *testing.T) {
	resetLogger()
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))
	t.Cleanup(resetLogger)

	ForBlueprint("bp-42", "helmapp").Info("created", zap.Int(FieldArea, 3))

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "bp-42", fields[FieldBlueprintID])
	require.Equal(t, "helmapp", fields[FieldBlueprintType])
	require.EqualValues(t, 3, fields[FieldArea])
}

func TestHelpers_FollowAtomicLevel(t *testing.T) {
	resetLogger()
	core, logs := observer.New(atomicLevel)
	Replace(zap.New(core))
	t.Cleanup(func() {
		resetLogger()
		_ = SetLevel("info")
	})

	require.NoError(t, SetLevel("warn"))
	Debug("provider call")
	Info("blueprint created")
	Warn("child not found")
	Error("cleanup failed")
	require.Equal(t, 2, logs.Len())

	require.NoError(t, SetLevel("debug"))
	With(zap.String(FieldResourceID, "vm-1")).Debug("destroy vm")
	S().Debugw("restore provider", FieldArea, 2)

	entries := logs.All()
	require.Len(t, entries, 4)
	require.Equal(t, "vm-1", entries[2].ContextMap()[FieldResourceID])
	require.EqualValues(t, 2, entries[3].ContextMap()[FieldArea])
}

func TestHTTPHandler_ChangesLevel(t *testing.T) {
	resetLogger()
	require.NoError(t, Init("info", "json"))
	t.Cleanup(func() { _ = SetLevel("info") })

	req := httptest.NewRequest(http.MethodPut, "/log/level", strings.NewReader(`{"level":"debug"}`))
	rec := httptest.NewRecorder()
	HTTPHandler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, zapcore.DebugLevel, GetLevel())
}

func TestSync(t *testing.T) {
	resetLogger()
	require.NoError(t, Sync())

	require.NoError(t, Init("info", "json"))
	// stderr may refuse fsync under test runners
	_ = Sync()
}
