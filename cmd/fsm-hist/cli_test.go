package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testutils "github.com/pancsta/asyncfsm/internal/testing/utils"
	amhistbolt "github.com/pancsta/asyncfsm/pkg/history/bbolt"
	amhistgorm "github.com/pancsta/asyncfsm/pkg/history/gorm"
	am "github.com/pancsta/asyncfsm/pkg/machine"
)

func exec(t *testing.T, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd := RootCmd(out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()

	return out.String(), err
}

func TestBoltCli(t *testing.T) {
	// init
	path := filepath.Join(t.TempDir(), "hist.db")
	db, err := amhistbolt.NewDb(path)
	require.NoError(t, err)
	mach := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "lights"})
	store, err := amhistbolt.NewStore(db, mach, amhistbolt.Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, mach.Start())
	for range 3 {
		require.NoError(t, mach.Send(am.Event{Type: "NEXT"}))
	}
	require.NoError(t, store.Dispose())
	require.NoError(t, db.Close())

	// test
	machs, err := exec(t, "machines", "--bolt", path)
	require.NoError(t, err)
	entries, err := exec(t, "entries", "lights", "--bolt", path, "-n", "2")
	require.NoError(t, err)

	// assert
	assert.Contains(t, machs, "lights")
	lines := strings.Split(strings.TrimSpace(entries), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "yellow")
	assert.Contains(t, lines[2], "NEXT")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "state"))
}

func TestSqliteCli(t *testing.T) {
	// init
	name := filepath.Join(t.TempDir(), "hist")
	db, dbSql, err := amhistgorm.NewSqlite(name, false)
	require.NoError(t, err)
	mach := testutils.Traffic.NewMachine(nil, &am.Opts{Id: "lights"})
	store, err := amhistgorm.NewStore(db, mach, amhistgorm.Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, mach.Start())
	require.NoError(t, mach.Send(am.Event{Type: "BREAK"}))
	require.NoError(t, store.Dispose())
	require.NoError(t, dbSql.Close())

	// test
	machs, err := exec(t, "machines", "--sqlite", name)
	require.NoError(t, err)
	entries, err := exec(t, "entries", "lights", "--sqlite", name)
	require.NoError(t, err)

	// assert
	assert.Contains(t, machs, "lights")
	lines := strings.Split(strings.TrimSpace(entries), "\n")
	// red -> broken -> off
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "BREAK")
	assert.Contains(t, lines[2], "always")
}

func TestCliNoDb(t *testing.T) {
	_, err := exec(t, "machines")
	assert.ErrorIs(t, err, errNoDb)

	_, err = exec(t, "entries")
	assert.Error(t, err)
}
