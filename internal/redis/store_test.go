package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/interview-call/internal/models"
)

func newMockStore(t *testing.T) (*Store, redismock.ClientMock) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return NewStore(client), mock
}

func testRoom() models.RoomMetadata {
	return models.RoomMetadata{
		ID:              "r1",
		Code:            "ABC234",
		CreatorID:       "admin@example.com",
		SessionID:       "s1",
		Title:           "Backend interview",
		CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		MaxParticipants: models.MaxParticipants,
	}
}

func TestStore_SaveRoom(t *testing.T) {
	store, mock := newMockStore(t)
	room := testRoom()
	data, err := json.Marshal(room)
	require.NoError(t, err)

	mock.ExpectSet("room:r1", string(data), RoomTTL).SetVal("OK")
	mock.ExpectSet("code:ABC234", "r1", RoomTTL).SetVal("OK")

	assert.NoError(t, store.SaveRoom(context.Background(), room))
}

func TestStore_SaveRoomFailure(t *testing.T) {
	store, mock := newMockStore(t)
	room := testRoom()
	data, err := json.Marshal(room)
	require.NoError(t, err)

	mock.ExpectSet("room:r1", string(data), RoomTTL).SetErr(errors.New("connection refused"))

	err = store.SaveRoom(context.Background(), room)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store room r1")
}

func TestStore_GetRoom(t *testing.T) {
	store, mock := newMockStore(t)
	room := testRoom()
	data, err := json.Marshal(room)
	require.NoError(t, err)

	mock.ExpectGet("room:r1").SetVal(string(data))
	mock.ExpectSCard("room:r1:peers").SetVal(1)

	got, err := store.GetRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "ABC234", got.Code)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "admin@example.com", got.CreatorID)
	assert.True(t, room.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, 1, got.ParticipantCount)
}

func TestStore_GetRoomMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectGet("room:nope").RedisNil()

	_, err := store.GetRoom(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_GetRoomCorrupt(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectGet("room:r1").SetVal("{not json")

	_, err := store.GetRoom(context.Background(), "r1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_ResolveCode(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectGet("code:ABC234").SetVal("r1")
	mock.ExpectGet("code:ZZZZZZ").RedisNil()

	id, err := store.ResolveCode(context.Background(), "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	_, err = store.ResolveCode(context.Background(), "ZZZZZZ")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_DeleteRoom(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectDel("room:r1", "code:ABC234", "room:r1:peers").SetVal(3)

	assert.NoError(t, store.DeleteRoom(context.Background(), testRoom()))
}

func TestStore_Presence(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectSAdd("room:r1:peers", "p1").SetVal(1)
	mock.ExpectExpire("room:r1:peers", RoomTTL).SetVal(true)
	mock.ExpectSCard("room:r1:peers").SetVal(1)
	mock.ExpectSRem("room:r1:peers", "p1").SetVal(1)
	mock.ExpectSCard("room:r1:peers").SetErr(errors.New("timeout"))

	ctx := context.Background()
	require.NoError(t, store.AddPeer(ctx, "r1", "p1"))
	n, err := store.PeerCount(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, store.RemovePeer(ctx, "r1", "p1"))

	_, err = store.PeerCount(ctx, "r1")
	assert.Error(t, err)
}
