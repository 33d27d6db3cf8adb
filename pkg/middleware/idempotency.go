package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"SafeHerHub/pkg/cache"

	"github.com/gin-gonic/gin"
)

type IdemStore interface {
	// Reserve returns true if the key was free and is now held for ttl.
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Complete stores the response served for key.
	Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error
	// Lookup returns the stored response, if the original request finished.
	Lookup(ctx context.Context, key string) (StoredResponse, bool)
	// Release frees a reservation whose request failed.
	Release(ctx context.Context, key string) error
}

// StoredResponse 首次请求的响应，用于重放
type StoredResponse struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// cacheIdemStore 基于 cache.Cache 的幂等存储，redis/本地缓存皆可
type cacheIdemStore struct {
	c cache.Cache
}

func NewCacheIdemStore(c cache.Cache) IdemStore { return &cacheIdemStore{c: c} }

const pendingMarker = "pending"

func (s *cacheIdemStore) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.c.SetNX(ctx, key, []byte(pendingMarker), ttl)
}

func (s *cacheIdemStore) Complete(ctx context.Context, key string, resp StoredResponse, ttl time.Duration) error {
	return cache.SetJSON(ctx, s.c, key, resp, ttl)
}

func (s *cacheIdemStore) Lookup(ctx context.Context, key string) (StoredResponse, bool) {
	var resp StoredResponse
	b, ok := s.c.Get(ctx, key)
	if !ok || string(b) == pendingMarker {
		return resp, false
	}
	if err := json.Unmarshal(b, &resp); err != nil {
		return resp, false
	}
	return resp, true
}

func (s *cacheIdemStore) Release(ctx context.Context, key string) error {
	return s.c.Delete(ctx, key)
}

type IdempotencyConfig struct {
	HeaderName string        // Idempotency-Key 的请求头名
	TTL        time.Duration // 重放窗口
	Store      IdemStore
	// HashBody 为 true 时，缺少请求头则以请求体哈希作为幂等键
	HashBody bool
}

// bodyRecorder 记录响应体以便重放
type bodyRecorder struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyRecorder) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyRecorder) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// IdempotencyMiddleware 同一键的重复请求重放首次成功的响应；
// 首次请求仍在处理中时返回 409。键按用户隔离。
func IdempotencyMiddleware(cfg IdempotencyConfig) gin.HandlerFunc {
	if cfg.HeaderName == "" {
		cfg.HeaderName = "Idempotency-Key"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Store == nil {
		cfg.Store = NewCacheIdemStore(cache.NewGoCache(cache.LocalConfig{DefaultExpiration: cfg.TTL}))
	}
	store := cfg.Store
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.GetHeader(cfg.HeaderName))
		if key == "" && cfg.HashBody {
			b, _ := io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(b))
			h := sha256.Sum256(b)
			key = hex.EncodeToString(h[:])
		}
		if key == "" {
			c.Next()
			return
		}
		key = "idem:" + CurrentUserID(c) + ":" + c.FullPath() + ":" + key
		ctx := c.Request.Context()

		ok, err := store.Reserve(ctx, key, cfg.TTL)
		if err != nil {
			c.Next()
			return
		}
		if !ok {
			if prev, found := store.Lookup(ctx, key); found {
				c.Header("Idempotent-Replayed", "true")
				c.Data(prev.Status, "application/json; charset=utf-8", prev.Body)
				c.Abort()
				return
			}
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"message": "duplicate request in progress"})
			return
		}

		rec := &bodyRecorder{ResponseWriter: c.Writer}
		c.Writer = rec
		c.Next()

		status := rec.Status()
		if status >= http.StatusBadRequest {
			_ = store.Release(ctx, key)
			return
		}
		_ = store.Complete(ctx, key, StoredResponse{Status: status, Body: rec.buf.Bytes()}, cfg.TTL)
	}
}
