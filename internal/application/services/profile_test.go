package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func strPtr(s string) *string { return &s }

func TestUpdateProfile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewUserService(h.users, h.media, zap.NewNop())
	a := h.user("amina")

	t.Run("names are trimmed and kept when omitted", func(t *testing.T) {
		u, err := svc.UpdateProfile(ctx, a, ProfileUpdate{LastName: strPtr("  Yusuf ")})
		require.NoError(t, err)
		assert.Equal(t, "amina", u.FirstName)
		assert.Equal(t, "Yusuf", u.LastName)
		assert.Empty(t, u.ProfilePicture)
	})

	t.Run("a new picture replaces the stored one", func(t *testing.T) {
		pic, body := mediaOf("me.png", "image/png", "first")
		u, err := svc.UpdateProfile(ctx, a, ProfileUpdate{Picture: pic, PictureBody: body})
		require.NoError(t, err)
		first := u.ProfilePicture
		require.NotEmpty(t, first)

		pic, body = mediaOf("me2.png", "image/png", "second")
		u, err = svc.UpdateProfile(ctx, a, ProfileUpdate{Picture: pic, PictureBody: body})
		require.NoError(t, err)
		assert.NotEqual(t, first, u.ProfilePicture)
		assert.NotContains(t, h.media.files, first)

		data, link, err := svc.ProfilePicture(ctx, a)
		require.NoError(t, err)
		assert.Empty(t, link)
		assert.Equal(t, "second", string(data))
	})

	t.Run("rejects pictures that are not images", func(t *testing.T) {
		before := len(h.media.files)
		pic, body := mediaOf("cv.pdf", "application/pdf", "pdf")
		_, err := svc.UpdateProfile(ctx, a, ProfileUpdate{Picture: pic, PictureBody: body})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.Len(t, h.media.files, before)
	})

	t.Run("unknown users", func(t *testing.T) {
		_, err := svc.UpdateProfile(ctx, uuid.New(), ProfileUpdate{FirstName: strPtr("x")})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestProfilePicture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := NewUserService(h.users, h.media, zap.NewNop())

	linked := uuid.New()
	require.NoError(t, h.users.Sync(ctx, domain.User{ID: linked, Email: "l@example.com", ProfilePicture: "https://idp.example.com/l.png"}))
	data, link, err := svc.ProfilePicture(ctx, linked)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, "https://idp.example.com/l.png", link)

	_, _, err = svc.ProfilePicture(ctx, h.user("plain"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPresenceService(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, outsider := h.user("a"), h.user("b"), h.user("out")
	chat := h.group(a, b)

	rec := &framesRecorder{}
	bc := NewBroadcaster(rec, 16, 1, h.metrics, zap.NewNop())
	svc := NewPresenceService(h.membership, h.users, bc, zap.NewNop())

	require.NoError(t, svc.Typing(ctx, b, chat.ID, true))
	assert.ErrorIs(t, svc.Typing(ctx, outsider, chat.ID, true), domain.ErrForbidden)
	require.NoError(t, svc.Joined(ctx, a, chat.ID))
	assert.ErrorIs(t, svc.Joined(ctx, outsider, chat.ID), domain.ErrForbidden)
	require.NoError(t, svc.SetStatus(ctx, b, domain.PresenceOffline))
	bc.Close()

	assert.Equal(t, []string{TypingTopic(chat.ID), ChatEventsTopic(chat.ID), PresenceTopic(b)}, rec.topicList())

	var typing domain.TypingEvent
	require.NoError(t, json.Unmarshal(rec.frames[0].Payload.(json.RawMessage), &typing))
	assert.Equal(t, b, typing.UserID)
	assert.True(t, typing.IsTyping)

	var joined domain.ChatEvent
	require.NoError(t, json.Unmarshal(rec.frames[1].Payload.(json.RawMessage), &joined))
	assert.Equal(t, domain.ChatEventUserJoined, joined.Type)

	u, err := h.users.FindByID(ctx, b)
	require.NoError(t, err)
	assert.True(t, u.LastSeen.Valid, "going offline records lastSeen")
}
