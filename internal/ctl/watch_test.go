package ctl

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/cr14-rfid/internal/cr14"
)

func updateWatch(t *testing.T, m watchModel, msg tea.Msg) watchModel {
	t.Helper()
	next, _ := m.Update(msg)
	wm, ok := next.(watchModel)
	require.True(t, ok)
	return wm
}

func TestWatchModelCountsTags(t *testing.T) {
	m := newWatchModel("test")
	assert.Contains(t, m.View(), "Waiting for a tag")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = at
	m = updateWatch(t, m, tagMsg{uid: cr14.DemoTags[0], at: at})
	m = updateWatch(t, m, tagMsg{uid: cr14.DemoTags[0], at: at.Add(100 * time.Millisecond)})
	m = updateWatch(t, m, tagMsg{uid: cr14.DemoTags[1], at: at.Add(200 * time.Millisecond)})

	require.Len(t, m.tags, 2)
	assert.Equal(t, 2, m.tags[cr14.DemoTags[0]].count)
	assert.Equal(t, "SRIX4K", m.tags[cr14.DemoTags[0]].model)
	assert.Equal(t, "ST25TB04K", m.tags[cr14.DemoTags[1]].model)
	assert.Equal(t, 3, m.total)
	assert.Equal(t, 2, m.inField())

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, cr14.DemoTags[1].Colon(), rows[0][1])

	view := m.View()
	assert.Contains(t, view, "d0:02:0d:9a:12:34:56:78")
	assert.Contains(t, view, "ST25TB04K")
}

func TestWatchModelTagLeaves(t *testing.T) {
	m := newWatchModel("test")
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = at
	m = updateWatch(t, m, tagMsg{uid: cr14.DemoTags[0], at: at})
	m = updateWatch(t, m, tagMsg{uid: cr14.DemoTags[1], at: at.Add(5 * time.Second)})

	assert.Equal(t, 1, m.inField())
	rows := m.table.Rows()
	assert.Equal(t, "●", rows[0][0])
	assert.Equal(t, " ", rows[1][0])

	m = updateWatch(t, m, watchTickMsg(at.Add(time.Minute)))
	assert.Equal(t, 0, m.inField())
}

func TestWatchModelConnectionLost(t *testing.T) {
	m := newWatchModel("test")
	m = updateWatch(t, m, connectionLostMsg{err: errors.New("boom")})
	assert.Contains(t, m.View(), "Connection lost: boom")
}

func TestWatchModelQuit(t *testing.T) {
	m := newWatchModel("test")
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, next.(watchModel).quitting)
}
