package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/masjids-io/chatspot/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequireMember(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, outsider := h.user("a"), h.user("b"), h.user("out")
	chat := h.group(a, b)

	p, err := h.membership.RequireMember(ctx, chat.ID, b)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleMember, p.Role)

	_, err = h.membership.RequireMember(ctx, chat.ID, outsider)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = h.membership.RequireMember(ctx, uuid.New(), a)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAddParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, member, newcomer := h.user("admin"), h.user("member"), h.user("new")
	chat := h.group(admin, member)
	direct, err := h.chatSvc.CreateIndividualChat(ctx, admin, member)
	require.NoError(t, err)

	tests := []struct {
		name    string
		chatID  uuid.UUID
		acting  uuid.UUID
		target  uuid.UUID
		wantErr error
	}{
		{"unknown chat", uuid.New(), admin, newcomer, domain.ErrNotFound},
		{"individual chat", direct.ID, admin, newcomer, domain.ErrInvalidOperation},
		{"member cannot add", chat.ID, member, newcomer, domain.ErrForbidden},
		{"unknown user", chat.ID, admin, uuid.New(), domain.ErrNotFound},
		{"admin adds", chat.ID, admin, newcomer, nil},
		{"adding an active member is a no-op", chat.ID, admin, member, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.membership.AddParticipant(ctx, tt.chatID, tt.acting, tt.target)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			ok, err := h.membership.IsMember(ctx, tt.chatID, tt.target)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}

	t.Run("re-adding a former member reactivates the row", func(t *testing.T) {
		require.NoError(t, h.membership.RemoveParticipant(ctx, chat.ID, newcomer, newcomer))
		require.NoError(t, h.membership.AddParticipant(ctx, chat.ID, admin, newcomer))

		p, err := h.chats.GetParticipant(ctx, chat.ID, newcomer)
		require.NoError(t, err)
		assert.True(t, p.Active())
		assert.Equal(t, domain.RoleMember, p.Role)
		assert.EqualValues(t, 1, h.count(&domain.Participant{}, "chat_id = ? AND user_id = ?", chat.ID, newcomer))
	})
}

func TestRemoveParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, b, d := h.user("admin"), h.user("b"), h.user("d")
	chat := h.group(admin, b, d)

	err := h.membership.RemoveParticipant(ctx, chat.ID, b, d)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	ok, _ := h.membership.IsMember(ctx, chat.ID, d)
	assert.True(t, ok, "a rejected removal must leave the target in place")

	require.NoError(t, h.membership.RemoveParticipant(ctx, chat.ID, b, b))
	ok, _ = h.membership.IsMember(ctx, chat.ID, b)
	assert.False(t, ok)

	err = h.membership.RemoveParticipant(ctx, chat.ID, admin, b)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, h.membership.RemoveParticipant(ctx, chat.ID, admin, d))
	ok, _ = h.membership.IsMember(ctx, chat.ID, d)
	assert.False(t, ok)

	direct, err := h.chatSvc.CreateIndividualChat(ctx, admin, b)
	require.NoError(t, err)
	err = h.membership.RemoveParticipant(ctx, direct.ID, admin, admin)
	assert.ErrorIs(t, err, domain.ErrInvalidOperation)
}

func TestAuthorizeTopic(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a, b, outsider := h.user("a"), h.user("b"), h.user("out")
	chat := h.group(a, b)
	msg := h.send(chat.ID, a, "hello")

	tests := []struct {
		name      string
		user      uuid.UUID
		topic     string
		wantScope uuid.UUID
		wantErr   error
	}{
		{"member on chat", b, ChatTopic(chat.ID), chat.ID, nil},
		{"member on chat events", b, ChatEventsTopic(chat.ID), chat.ID, nil},
		{"member on typing", b, TypingTopic(chat.ID), chat.ID, nil},
		{"outsider on chat", outsider, ChatTopic(chat.ID), uuid.Nil, domain.ErrForbidden},
		{"outsider on typing", outsider, TypingTopic(chat.ID), uuid.Nil, domain.ErrForbidden},
		{"own user topic", b, UserMessagesTopic(b), uuid.Nil, nil},
		{"someone else's user topic", b, UserMessagesTopic(a), uuid.Nil, domain.ErrForbidden},
		{"own presence", b, PresenceTopic(b), uuid.Nil, nil},
		{"presence of a chat partner", b, PresenceTopic(a), uuid.Nil, nil},
		{"presence of a stranger", outsider, PresenceTopic(a), uuid.Nil, domain.ErrForbidden},
		{"member on reactions", b, ReactionsTopic(msg.ID), chat.ID, nil},
		{"member on delivery", b, DeliveryTopic(msg.ID), chat.ID, nil},
		{"outsider on delivery", outsider, DeliveryTopic(msg.ID), uuid.Nil, domain.ErrForbidden},
		{"unknown message", b, ReactionsTopic(uuid.New()), uuid.Nil, domain.ErrNotFound},
		{"bad id", b, "chat/not-a-uuid", uuid.Nil, domain.ErrValidation},
		{"unknown chat suffix", b, ChatTopic(chat.ID) + "/secrets", uuid.Nil, domain.ErrValidation},
		{"unknown prefix", b, "presence/" + b.String(), uuid.Nil, domain.ErrValidation},
		{"missing suffix", b, "message/" + msg.ID.String(), uuid.Nil, domain.ErrValidation},
		{"too deep", b, TypingTopic(chat.ID) + "/x", uuid.Nil, domain.ErrValidation},
		{"empty", b, "", uuid.Nil, domain.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := h.membership.AuthorizeTopic(ctx, tt.user, tt.topic)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScope, scope)
		})
	}

	t.Run("leaving ends presence visibility", func(t *testing.T) {
		require.NoError(t, h.membership.RemoveParticipant(ctx, chat.ID, b, b))
		_, err := h.membership.AuthorizeTopic(ctx, b, PresenceTopic(a))
		assert.ErrorIs(t, err, domain.ErrForbidden)
		_, err = h.membership.AuthorizeTopic(ctx, b, ChatTopic(chat.ID))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})
}

type membershipLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *membershipLog) ParticipantAdded(chatID, userID, actorID uuid.UUID) {
	l.record("added", chatID, userID, actorID)
}

func (l *membershipLog) ParticipantRemoved(chatID, userID, actorID uuid.UUID) {
	l.record("removed", chatID, userID, actorID)
}

func (l *membershipLog) record(kind string, chatID, userID, actorID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, kind+" "+chatID.String()+" "+userID.String()+" by "+actorID.String())
}

func (l *membershipLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

func TestMembershipListeners(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	admin, member, newcomer := h.user("admin"), h.user("member"), h.user("new")
	chat := h.group(admin, member)
	first, second := &membershipLog{}, &membershipLog{}
	h.membership.Listen(first)
	h.membership.Listen(second)

	require.NoError(t, h.membership.AddParticipant(ctx, chat.ID, admin, newcomer))
	require.NoError(t, h.membership.AddParticipant(ctx, chat.ID, admin, newcomer))
	assert.ErrorIs(t, h.membership.RemoveParticipant(ctx, chat.ID, member, newcomer), domain.ErrForbidden)
	require.NoError(t, h.membership.RemoveParticipant(ctx, chat.ID, newcomer, newcomer))

	want := []string{
		"added " + chat.ID.String() + " " + newcomer.String() + " by " + admin.String(),
		"removed " + chat.ID.String() + " " + newcomer.String() + " by " + newcomer.String(),
	}
	assert.Equal(t, want, first.list(), "no-ops and rejected changes are not reported")
	assert.Equal(t, want, second.list())
}
