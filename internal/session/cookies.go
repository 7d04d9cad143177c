package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cookieKeyPrefix = "phantom:cookies:"
	cookieTTL       = 24 * time.Hour
)

// CookieStore keeps named cookies per task and domain so a retry can resume
// the same storefront session. Losing the jar on a Shopify checkpoint store
// means re-solving the checkpoint from scratch. A Redis client may be
// attached for crash recovery; writes to it are best-effort.
type CookieStore struct {
	mu   sync.RWMutex
	jars map[string]map[string]map[string]string // task -> domain -> name -> value

	rdb *redis.Client
}

// NewCookieStore returns an in-memory store; rdb may be nil.
func NewCookieStore(rdb *redis.Client) *CookieStore {
	return &CookieStore{
		jars: make(map[string]map[string]map[string]string),
		rdb:  rdb,
	}
}

// Save stores cookies for a task+domain pair. With merge true (the normal
// case) new cookies overlay the existing ones; false replaces the domain.
func (s *CookieStore) Save(taskID, domain string, cookies map[string]string, merge bool) {
	s.mu.Lock()
	if s.jars[taskID] == nil {
		s.jars[taskID] = make(map[string]map[string]string)
	}
	if merge && s.jars[taskID][domain] != nil {
		for k, v := range cookies {
			s.jars[taskID][domain][k] = v
		}
	} else {
		cp := make(map[string]string, len(cookies))
		for k, v := range cookies {
			cp[k] = v
		}
		s.jars[taskID][domain] = cp
	}
	persisted := s.jars[taskID][domain]
	s.mu.Unlock()

	if s.rdb != nil {
		s.persist(taskID, domain, persisted)
	}
}

// Load returns the cookies for a domain, or all domains merged when domain
// is empty. The result is a copy.
func (s *CookieStore) Load(taskID, domain string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	task := s.jars[taskID]
	if domain != "" {
		for k, v := range task[domain] {
			out[k] = v
		}
		return out
	}
	for _, cookies := range task {
		for k, v := range cookies {
			out[k] = v
		}
	}
	return out
}

// Clear removes every cookie held for the task.
func (s *CookieStore) Clear(taskID string) {
	s.mu.Lock()
	delete(s.jars, taskID)
	s.mu.Unlock()

	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.rdb.Del(ctx, cookieKeyPrefix+taskID).Err(); err != nil {
			slog.Warn("cookie clear persist failed", slog.Any("error", err))
		}
	}
}

// ClearDomain removes one domain's cookies within a task.
func (s *CookieStore) ClearDomain(taskID, domain string) {
	s.mu.Lock()
	if task, ok := s.jars[taskID]; ok {
		delete(task, domain)
	}
	s.mu.Unlock()

	if s.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.rdb.HDel(ctx, cookieKeyPrefix+taskID, domain).Err(); err != nil {
			slog.Warn("cookie clear persist failed", slog.Any("error", err))
		}
	}
}

// RestoreTask pulls a task's cookies back from Redis after a restart.
func (s *CookieStore) RestoreTask(ctx context.Context, taskID string) bool {
	if s.rdb == nil {
		return false
	}
	fields, err := s.rdb.HGetAll(ctx, cookieKeyPrefix+taskID).Result()
	if err != nil || len(fields) == 0 {
		return false
	}
	restored := make(map[string]map[string]string, len(fields))
	for domain, raw := range fields {
		var cookies map[string]string
		if err := json.Unmarshal([]byte(raw), &cookies); err != nil {
			slog.Warn("cookie restore decode failed",
				slog.String("domain", domain), slog.Any("error", err))
			continue
		}
		restored[domain] = cookies
	}
	s.mu.Lock()
	s.jars[taskID] = restored
	s.mu.Unlock()
	return true
}

// StoreStats summarizes the store.
type StoreStats struct {
	ActiveTasks  int `json:"active_tasks"`
	TotalCookies int `json:"total_cookies"`
}

// Stats counts tasks and cookies held.
func (s *CookieStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := StoreStats{ActiveTasks: len(s.jars)}
	for _, domains := range s.jars {
		for _, cookies := range domains {
			st.TotalCookies += len(cookies)
		}
	}
	return st
}

func (s *CookieStore) persist(taskID, domain string, cookies map[string]string) {
	raw, err := json.Marshal(cookies)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, cookieKeyPrefix+taskID, domain, raw)
	pipe.Expire(ctx, cookieKeyPrefix+taskID, cookieTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("cookie persist failed", slog.Any("error", err))
	}
}
