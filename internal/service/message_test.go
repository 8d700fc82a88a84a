package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"vetlink/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSendText_Validation(t *testing.T) {
	// validation runs before any db access
	svc := NewMessageService(nil, nil, nil)
	ctx := context.Background()

	_, err := svc.SendText(ctx, "conv", "user", "")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendText(ctx, "conv", "user", "   \n\t  ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, err = svc.SendText(ctx, "conv", "user", strings.Repeat("灵", maxMessageRunes+1))
	require.ErrorIs(t, err, ErrMessageTooLong)
}

func TestSendText_Membership(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)
	outsider := env.newUser(t, models.RoleStudent)

	conv, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)

	_, err = env.msgs.SendText(ctx, conv.ID, outsider.ID, "let me in")
	require.ErrorIs(t, err, ErrNotMember)

	msg, err := env.msgs.SendText(ctx, conv.ID, farmer.ID, "  padded text  ")
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, msg.Status)
	require.Equal(t, "padded text", *msg.Text)
}

func TestSendImage_TwoPhase(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)

	conv, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)
	env.sink.reset()

	msg, err := env.msgs.SendImage(ctx, conv.ID, farmer.ID, strings.NewReader("jpegbytes"), 9, "image/jpeg")
	require.NoError(t, err)
	require.Equal(t, models.MessageStatusSent, msg.Status)
	require.NotNil(t, msg.ImageURL)
	require.True(t, env.store.has("chat_images/"+conv.ID+"/"+msg.ID))

	// A listener sees the placeholder first, then the same id patched to sent.
	// No second message id is ever introduced by a successful upload.
	var phases []MessageDTO
	env.sink.mu.Lock()
	for _, e := range env.sink.events {
		if me, ok := e.payload.(messageEvent); ok {
			phases = append(phases, me.Message)
			if me.Message.Status == models.MessageStatusUploading {
				require.Equal(t, "message.created", me.Type)
			}
		}
	}
	env.sink.mu.Unlock()
	require.Len(t, phases, 2)
	require.Equal(t, models.MessageStatusUploading, phases[0].Status)
	require.Nil(t, phases[0].ImageURL)
	require.Equal(t, models.MessageStatusSent, phases[1].Status)
	require.NotNil(t, phases[1].ImageURL)
	require.Equal(t, phases[0].ID, phases[1].ID)
	require.Equal(t, msg.ID, phases[0].ID)

	// Successful upload counts toward the peer's unread
	vetView, err := env.convs.findByPairKey(ctx, PairKey(farmer.ID, vet.ID), vet.ID, &models.User{ID: farmer.ID})
	require.NoError(t, err)
	require.Equal(t, 1, vetView.Unread)
	require.True(t, vetView.LastMessage.HasImage)
}

func TestSendImage_UploadFailureMarksFailed(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)

	conv, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)

	env.store.failNext = true
	_, err = env.msgs.SendImage(ctx, conv.ID, farmer.ID, strings.NewReader("jpegbytes"), 9, "image/jpeg")
	require.ErrorIs(t, err, ErrUploadFailed)

	// The placeholder row survives as failed and never bumps unread
	msgs, err := env.msgs.ListByConversation(ctx, conv.ID, farmer.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.MessageStatusFailed, msgs[0].Status)
	require.Nil(t, msgs[0].ImageURL)

	vetView, err := env.convs.findByPairKey(ctx, PairKey(farmer.ID, vet.ID), vet.ID, &models.User{ID: farmer.ID})
	require.NoError(t, err)
	require.Equal(t, 0, vetView.Unread)
	require.Nil(t, vetView.LastMessage)
}

func TestListByConversation_Paging(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)

	conv, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := env.msgs.SendText(ctx, conv.ID, farmer.ID, "msg")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	page1, err := env.msgs.ListByConversation(ctx, conv.ID, vet.ID, "", 3)
	require.NoError(t, err)
	require.Len(t, page1, 3)
	// newest first
	require.True(t, !page1[0].CreatedAt.Before(page1[2].CreatedAt))

	cursor := page1[len(page1)-1].ID
	page2, err := env.msgs.ListByConversation(ctx, conv.ID, vet.ID, cursor, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	for _, m := range page2 {
		require.NotEqual(t, cursor, m.ID)
	}

	_, err = env.msgs.ListByConversation(ctx, conv.ID, vet.ID, "not-a-message-id", 3)
	require.ErrorIs(t, err, ErrInvalidCursor)
}

func TestListByConversation_TimestampTies(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)

	conv, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)

	// three rows sharing one created_at, written directly to force the tie
	at := time.Now().Truncate(time.Second)
	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		text := "tied"
		m := models.Message{
			ID:             uuid.NewString(),
			ConversationID: conv.ID,
			SenderID:       farmer.ID,
			Text:           &text,
			Status:         models.MessageStatusSent,
			CreatedAt:      at,
		}
		require.NoError(t, env.db.Create(&m).Error)
		ids[m.ID] = true
	}

	page1, err := env.msgs.ListByConversation(ctx, conv.ID, vet.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)

	page2, err := env.msgs.ListByConversation(ctx, conv.ID, vet.ID, page1[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 1)

	// the two pages cover all three rows with no skip and no overlap
	seen := map[string]bool{}
	for _, m := range append(page1, page2...) {
		require.False(t, seen[m.ID], "message %s returned twice", m.ID)
		seen[m.ID] = true
		require.True(t, ids[m.ID])
	}
	require.Len(t, seen, 3)
}
