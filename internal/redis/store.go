package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/interview-call/config"
	"github.com/mossy-p/interview-call/internal/models"
)

// RoomTTL bounds how long room metadata and presence survive without activity.
const RoomTTL = 24 * time.Hour

var ErrRoomNotFound = errors.New("room not found")

// Store keeps room metadata, room codes and relay presence in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewStore(client), nil
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: RoomTTL}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func roomKey(id string) string   { return "room:" + id }
func codeKey(code string) string { return "code:" + code }
func peersKey(id string) string  { return "room:" + id + ":peers" }

// SaveRoom stores the metadata under its id and maps its code to the id.
func (s *Store) SaveRoom(ctx context.Context, room models.RoomMetadata) error {
	data, err := json.Marshal(room)
	if err != nil {
		return fmt.Errorf("encode room: %w", err)
	}
	if err := s.client.Set(ctx, roomKey(room.ID), string(data), s.ttl).Err(); err != nil {
		return fmt.Errorf("store room %s: %w", room.ID, err)
	}
	if err := s.client.Set(ctx, codeKey(room.Code), room.ID, s.ttl).Err(); err != nil {
		return fmt.Errorf("store room code %s: %w", room.Code, err)
	}
	return nil
}

// GetRoom loads room metadata with its current participant count.
func (s *Store) GetRoom(ctx context.Context, id string) (models.RoomMetadata, error) {
	var room models.RoomMetadata
	data, err := s.client.Get(ctx, roomKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return room, ErrRoomNotFound
	}
	if err != nil {
		return room, fmt.Errorf("load room %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(data), &room); err != nil {
		return room, fmt.Errorf("decode room %s: %w", id, err)
	}

	count, err := s.PeerCount(ctx, id)
	if err != nil {
		return room, err
	}
	room.ParticipantCount = count
	return room, nil
}

// ResolveCode maps a shareable room code to its room id.
func (s *Store) ResolveCode(ctx context.Context, code string) (string, error) {
	id, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrRoomNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve room code %s: %w", code, err)
	}
	return id, nil
}

func (s *Store) DeleteRoom(ctx context.Context, room models.RoomMetadata) error {
	if err := s.client.Del(ctx, roomKey(room.ID), codeKey(room.Code), peersKey(room.ID)).Err(); err != nil {
		return fmt.Errorf("delete room %s: %w", room.ID, err)
	}
	return nil
}

// AddPeer mirrors a relay connection into the room's presence set.
func (s *Store) AddPeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SAdd(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("add peer %s to %s: %w", peerID, roomID, err)
	}
	if err := s.client.Expire(ctx, peersKey(roomID), s.ttl).Err(); err != nil {
		return fmt.Errorf("expire presence of %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) RemovePeer(ctx context.Context, roomID, peerID string) error {
	if err := s.client.SRem(ctx, peersKey(roomID), peerID).Err(); err != nil {
		return fmt.Errorf("remove peer %s from %s: %w", peerID, roomID, err)
	}
	return nil
}

func (s *Store) PeerCount(ctx context.Context, roomID string) (int, error) {
	n, err := s.client.SCard(ctx, peersKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count peers of %s: %w", roomID, err)
	}
	return int(n), nil
}
