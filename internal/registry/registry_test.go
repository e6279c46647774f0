package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/serviceuser/internal/apperror"
	"github.com/sakif/serviceuser/internal/model"
)

const sample = `[project]
	description = Rights inherited by all other projects
[user "build-bot"]
	creatorId = 1000001
	createdBy = Jane Doe
	createdAt = Mon, 04 Mar 2024 10:00:00 +0000
	owner = 4f0c0b1e-3c4e-4a57-9d7b-3c3b5e0d6c11
[user "release-bot"]
	creatorId = 1000002
	createdAt = Tue, 05 Mar 2024 10:00:00 +0000
`

func TestParseDocument(t *testing.T) {
	doc, err := parseDocument([]byte(sample))
	require.NoError(t, err)

	got, ok := doc.Get("build-bot")
	require.True(t, ok)
	assert.Equal(t, model.ServiceUser{
		Username:    "build-bot",
		CreatorID:   1000001,
		CreatorName: "Jane Doe",
		CreatedAt:   "Mon, 04 Mar 2024 10:00:00 +0000",
		Owner:       "4f0c0b1e-3c4e-4a57-9d7b-3c3b5e0d6c11",
	}, got)

	got, ok = doc.Get("release-bot")
	require.True(t, ok)
	assert.False(t, got.HasOwner())
	assert.Empty(t, got.CreatorName)

	_, ok = doc.Get("Build-Bot")
	assert.False(t, ok, "usernames are case-sensitive")
}

func TestParseDocument_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "broken syntax", data: "[user \"bot\"\n\tcreatorId = 1\n"},
		{name: "non numeric creator", data: "[user \"bot\"]\n\tcreatorId = jane\n"},
		{name: "missing creator", data: "[user \"bot\"]\n\tcreatedAt = now\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDocument([]byte(tt.data))
			assert.ErrorIs(t, err, apperror.ErrParse)
		})
	}
}

func TestDocument_Mutations(t *testing.T) {
	doc, err := parseDocument([]byte(sample))
	require.NoError(t, err)

	t.Run("add existing is a no-op", func(t *testing.T) {
		existing, added := doc.Add(model.ServiceUser{Username: "build-bot", CreatorID: 7, CreatedAt: "later"})
		assert.False(t, added)
		assert.Equal(t, int64(1000001), existing.CreatorID)
		assert.False(t, doc.Changed())
	})

	t.Run("set owner on unknown user", func(t *testing.T) {
		err := doc.SetOwner("ghost", "group")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("setting the same owner changes nothing", func(t *testing.T) {
		require.NoError(t, doc.SetOwner("build-bot", "4f0c0b1e-3c4e-4a57-9d7b-3c3b5e0d6c11"))
		assert.False(t, doc.Changed())
	})

	t.Run("changes survive an encode round trip", func(t *testing.T) {
		_, added := doc.Add(model.ServiceUser{Username: "ci-bot", CreatorID: 42, CreatedAt: "Wed, 06 Mar 2024 10:00:00 +0000"})
		assert.True(t, added)
		require.NoError(t, doc.SetOwner("build-bot", ""))
		assert.True(t, doc.Remove("release-bot"))
		assert.False(t, doc.Remove("release-bot"))
		assert.True(t, doc.Changed())

		data, err := doc.encode()
		require.NoError(t, err)
		assert.Contains(t, string(data), "Rights inherited by all other projects")
		assert.NotContains(t, string(data), "owner")

		reparsed, err := parseDocument(data)
		require.NoError(t, err)
		reg := reparsed.snapshot(model.ZeroID)
		assert.Equal(t, []string{"build-bot", "ci-bot"}, usernames(reg))
		bot, _ := reg.Get("ci-bot")
		assert.Equal(t, int64(42), bot.CreatorID)
	})
}

func TestRegistry_SnapshotIsIsolated(t *testing.T) {
	doc := emptyDocument()
	doc.Add(model.ServiceUser{Username: "a", CreatorID: 1, CreatedAt: "x"})
	reg := doc.snapshot(model.ZeroID)

	doc.Add(model.ServiceUser{Username: "b", CreatorID: 2, CreatedAt: "y"})
	assert.Equal(t, 1, reg.Len())
}

func usernames(reg *Registry) []string {
	var out []string
	for _, u := range reg.List() {
		out = append(out, u.Username)
	}
	return out
}

func TestEmpty(t *testing.T) {
	reg := Empty()
	assert.Equal(t, 0, reg.Len())
	assert.True(t, reg.Revision().IsZero())
	assert.Empty(t, reg.List())
}
