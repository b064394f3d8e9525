package machine

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatData(t *testing.T) {
	assert.Equal(t, "()", FormatData(nil))
	assert.Equal(t, "(a=1 b=true c=x)", FormatData(A{"c": "x", "a": 1, "b": true}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", State{Name: "idle"}.String())
	assert.Equal(t, "running (repeat=false time=1000)", State{
		Name: "running",
		Data: A{"time": 1000, "repeat": false},
	}.String())
	assert.Equal(t, "RUN (time=5)", Event{Type: "RUN", Data: A{"time": 5}}.String())
}

func TestEnvLogLevel(t *testing.T) {
	t.Setenv(EnvAmLog, "3")
	assert.Equal(t, LogOps, EnvLogLevel(""))

	t.Setenv("FOO_LOG", "x")
	assert.Equal(t, LogNothing, EnvLogLevel("FOO_LOG"))
}

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "changes", LogChanges.String())
	assert.Equal(t, "everything", LogEverything.String())
	assert.Equal(t, "nothing", LogLevel(99).String())
}

func TestLogger(t *testing.T) {
	// init
	var msgs []string
	def := MustDefinition(Config{
		Initial: State{Name: "a"},
		States: map[string]StateConfig{
			"a": {On: Transitions{"GO": {{Target: "b"}}}},
		},
	})
	m := def.NewMachine(nil, &Opts{
		Id:       "abcdefgh",
		LogLevel: LogChanges,
		Logger: func(level LogLevel, msg string, args ...any) {
			msgs = append(msgs, fmt.Sprintf(msg, args...))
		},
	})

	// test
	_ = m.Start()
	_ = m.Send(Event{Type: "GO"})
	m.Log("hello %s", "world")

	// assert
	assert.Equal(t, []string{
		"[abcde] [state] a",
		"[abcde] [state] a -> b",
		"[abcde] [external] hello world",
	}, msgs)
}

func TestLoggerDontLogId(t *testing.T) {
	// init
	var msgs []string
	def := MustDefinition(Config{Initial: State{Name: "a"}})
	m := def.NewMachine(nil, &Opts{DontLogId: true})
	m.SetLoggerSimple(func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}, LogOps)

	// test
	_ = m.Start()
	m.SetLogLevel(LogNothing)
	_ = m.Stop()

	// assert
	assert.Equal(t, LogNothing, m.LogLevel())
	assert.NotEmpty(t, msgs)
	for _, msg := range msgs {
		assert.False(t, strings.HasPrefix(msg, "[t"), msg)
	}
	assert.Contains(t, msgs, "[start] a")
	assert.NotContains(t, msgs, "[stop] a")
}

func TestSetLoggerSimpleNil(t *testing.T) {
	m := MustDefinition(Config{Initial: State{Name: "a"}}).NewMachine(nil, nil)
	assert.Panics(t, func() {
		m.SetLoggerSimple(nil, LogOps)
	})
}

func TestSetLogId(t *testing.T) {
	// init
	var msgs []string
	m := MustDefinition(Config{Initial: State{Name: "a"}}).NewMachine(nil,
		&Opts{Id: "abcdefgh"})
	m.SetLoggerSimple(func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	}, LogExternal)

	// test
	m.Log("one")
	m.SetLogId(false)
	m.Log("two")

	// assert
	assert.Equal(t, []string{"[abcde] [external] one", "[external] two"}, msgs)
}
