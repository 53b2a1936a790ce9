package advisory

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Slot holds generated advisory text between the worker that writes it and
// the display path that reads it. Reads that find nothing fall back to the
// static strings, so slot failures are never fatal.
type Slot interface {
	SetTip(ctx context.Context, studentID, text string)
	Tip(ctx context.Context, studentID string) (string, bool)
	SetInsights(ctx context.Context, text string)
	Insights(ctx context.Context) (string, bool)
}

// MemorySlot keeps advisory text in-process, paired with the memory registry
// backend.
type MemorySlot struct {
	mu       sync.Mutex
	tips     map[string]string
	insights string
}

// NewMemorySlot creates an empty slot.
func NewMemorySlot() *MemorySlot {
	return &MemorySlot{tips: make(map[string]string)}
}

func (s *MemorySlot) SetTip(ctx context.Context, studentID, text string) {
	s.mu.Lock()
	s.tips[studentID] = text
	s.mu.Unlock()
}

func (s *MemorySlot) Tip(ctx context.Context, studentID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.tips[studentID]
	return text, ok
}

func (s *MemorySlot) SetInsights(ctx context.Context, text string) {
	s.mu.Lock()
	s.insights = text
	s.mu.Unlock()
}

func (s *MemorySlot) Insights(ctx context.Context) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insights, s.insights != ""
}

const (
	tipKeyPrefix = "academy:advisory:tip:"
	insightsKey  = "academy:advisory:insights"
	slotTTL      = 24 * time.Hour
)

// RedisSlot shares advisory text between the api and worker processes.
// Entries expire so stale text ages out on its own.
type RedisSlot struct {
	client *redis.Client
}

// NewRedisSlot creates a slot over an existing client.
func NewRedisSlot(client *redis.Client) *RedisSlot {
	return &RedisSlot{client: client}
}

func (s *RedisSlot) SetTip(ctx context.Context, studentID, text string) {
	_ = s.client.Set(ctx, tipKeyPrefix+studentID, text, slotTTL).Err()
}

func (s *RedisSlot) Tip(ctx context.Context, studentID string) (string, bool) {
	text, err := s.client.Get(ctx, tipKeyPrefix+studentID).Result()
	if err != nil || text == "" {
		return "", false
	}
	return text, true
}

func (s *RedisSlot) SetInsights(ctx context.Context, text string) {
	_ = s.client.Set(ctx, insightsKey, text, slotTTL).Err()
}

func (s *RedisSlot) Insights(ctx context.Context) (string, bool) {
	text, err := s.client.Get(ctx, insightsKey).Result()
	if err != nil || text == "" {
		return "", false
	}
	return text, true
}
