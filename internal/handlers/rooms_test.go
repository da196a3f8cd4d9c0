package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/interview-call/internal/middleware"
	"github.com/mossy-p/interview-call/internal/models"
)

func doJSON(t *testing.T, router *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func login(t *testing.T, router *gin.Engine, user, role string) string {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": user, "password": "pw", "role": role})
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, user, resp.UserID)
	return resp.Token
}

func TestLogin(t *testing.T) {
	_, _, router := newTestHandler(t)

	w := doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "pw"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, middleware.RoleUser, resp.Role)
	assert.NotEmpty(t, resp.Token)

	w = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/auth/login", "", gin.H{"username": "alice", "password": "pw", "role": "root"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRooms_Lifecycle(t *testing.T) {
	_, store, router := newTestHandler(t)
	admin := login(t, router, "carol", middleware.RoleAdmin)

	w := doJSON(t, router, http.MethodPost, "/api/rooms", admin, models.CreateRoomRequest{Title: "Backend interview"})
	require.Equal(t, http.StatusCreated, w.Code)
	var created models.CreateRoomResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Len(t, created.Code, roomCodeLength)
	assert.NotEmpty(t, created.RoomID)
	assert.NotEmpty(t, created.SessionID)

	for _, ref := range []string{created.Code, created.RoomID} {
		w = doJSON(t, router, http.MethodGet, "/api/rooms/"+ref, "", nil)
		require.Equal(t, http.StatusOK, w.Code, ref)
		var room models.RoomMetadata
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
		assert.Equal(t, created.RoomID, room.ID)
		assert.Equal(t, "carol", room.CreatorID)
		assert.Equal(t, "Backend interview", room.Title)
		assert.Equal(t, models.MaxParticipants, room.MaxParticipants)
		assert.Zero(t, room.ParticipantCount)
	}

	other := login(t, router, "dave", middleware.RoleAdmin)
	w = doJSON(t, router, http.MethodDelete, "/api/rooms/"+created.RoomID, other, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/api/rooms/"+created.RoomID, admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/rooms/"+created.Code, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Empty(t, store.rooms)
}

func TestRooms_CreateWithoutBody(t *testing.T) {
	_, _, router := newTestHandler(t)
	admin := login(t, router, "carol", middleware.RoleAdmin)

	w := doJSON(t, router, http.MethodPost, "/api/rooms", admin, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRooms_CreateRequiresAdmin(t *testing.T) {
	_, _, router := newTestHandler(t)
	user := login(t, router, "bob", middleware.RoleUser)

	assert.Equal(t, http.StatusUnauthorized, doJSON(t, router, http.MethodPost, "/api/rooms", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, doJSON(t, router, http.MethodPost, "/api/rooms", user, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, doJSON(t, router, http.MethodDelete, "/api/rooms/x", "", nil).Code)
}

func TestRooms_StoreFailure(t *testing.T) {
	_, store, router := newTestHandler(t)
	store.fail = errors.New("redis down")
	admin := login(t, router, "carol", middleware.RoleAdmin)

	w := doJSON(t, router, http.MethodPost, "/api/rooms", admin, models.CreateRoomRequest{Title: "x"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestRooms_ParticipantCountIncludesLiveConnections(t *testing.T) {
	srv, h, store := newTestRelay(t)
	require.NoError(t, store.SaveRoom(context.Background(), models.RoomMetadata{ID: "room-uuid", Code: "ABC234"}))
	conn := dial(t, srv, "ABC234")
	readMessage(t, conn)

	w := httptest.NewRecorder()
	NewRouter(h, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/rooms/ABC234", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var room models.RoomMetadata
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, 1, room.ParticipantCount)
}
