package sync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRelPath(t *testing.T) {
	tests := []struct {
		local string
		rel   string
		ok    bool
	}{
		{"/root/a/b.txt", "a/b.txt", true},
		{"/root/b.txt", "b.txt", true},
		{"/root/a/../c.txt", "c.txt", true},
		{"/root", "", false},
		{"/root/", "", false},
		{"", "", false},
		{"   ", "", false},
		{"/elsewhere/x.txt", "", false},
		{"/rootx/y.txt", "", false},
	}

	for _, tt := range tests {
		rel, ok := RelPath("/root", tt.local)
		assert.Equal(t, tt.ok, ok, "local %q", tt.local)
		assert.Equal(t, tt.rel, rel, "local %q", tt.local)
	}
}

func TestIsHidden(t *testing.T) {
	assert.True(t, isHidden(".git/config"))
	assert.True(t, isHidden("a/.cache/b"))
	assert.True(t, isHidden(".env"))
	assert.False(t, isHidden("a/b.txt"))
	assert.False(t, isHidden("a.b/c"))
}

func TestPathMapper(t *testing.T) {
	m := NewPathMapper("/remote")

	assert.Equal(t, "/remote/a/b.txt", m.ToRemote("a/b.txt"))
	assert.Equal(t, "/remote/a/b.txt", m.ToRemote(`a\b.txt`))
	assert.Equal(t, "/remote/a/b.txt", m.ToRemote("/a//b.txt"))
	assert.Equal(t, "/remote", m.ToRemote(""))

	assert.Equal(t, "/remote", NewPathMapper(`/remote/`).Root())
	assert.Equal(t, "/srv/x/y", NewPathMapper(`\srv\x`).ToRemote("y"))
	assert.Equal(t, "up/a", NewPathMapper("up").ToRemote("a"))
}

func TestPathMapperForwardSlashOnly(t *testing.T) {
	m := NewPathMapper(`C:\data`)
	for _, rel := range []string{`a\b\c.txt`, "a/b/c.txt", `a/b\c.txt`} {
		got := m.ToRemote(rel)
		assert.False(t, strings.Contains(got, `\`), got)
		assert.Equal(t, "C:/data/a/b/c.txt", got)
		// normalizing the result again changes nothing
		assert.Equal(t, got, normalizeRemote(got))
	}
}
