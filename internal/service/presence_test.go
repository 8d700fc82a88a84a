package service

import (
	"context"
	"testing"

	"vetlink/internal/models"

	"github.com/stretchr/testify/require"
)

func TestPresence_UnknownUserIsOffline(t *testing.T) {
	env := testDB(t)
	p, err := env.presence.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	require.False(t, p.Online)
}

func TestPresence_ConnectDisconnect(t *testing.T) {
	env := testDB(t)
	ctx := context.Background()
	farmer := env.newUser(t, models.RoleFarmer)
	vet := env.newUser(t, models.RoleVet)

	_, _, err := env.convs.FindOrCreate(ctx, farmer.ID, vet.ID)
	require.NoError(t, err)
	env.sink.reset()

	env.presence.HandleConnection(farmer.ID, true)
	p, err := env.presence.Get(ctx, farmer.ID)
	require.NoError(t, err)
	require.True(t, p.Online)

	// the conversation peer is notified
	require.Equal(t, 1, env.sink.count())
	env.sink.mu.Lock()
	evt, ok := env.sink.events[0].payload.(presenceEvent)
	recipients := env.sink.events[0].userIDs
	env.sink.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, farmer.ID, evt.UserID)
	require.True(t, evt.Online)
	require.Equal(t, []string{vet.ID}, recipients)

	env.presence.HandleConnection(farmer.ID, false)
	p, err = env.presence.Get(ctx, farmer.ID)
	require.NoError(t, err)
	require.False(t, p.Online)
	require.False(t, p.LastSeen.IsZero())
}
