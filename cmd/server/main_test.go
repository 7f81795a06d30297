package main

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/limiter"
	"github.com/makeasinger/songforge/internal/store/memory"
)

// sharedStore stands in for a store other processes can reach
type sharedStore struct{ *memory.Store }

func TestNewOwnerLimiter(t *testing.T) {
	cfg := &config.Config{}
	cfg.Pipeline.TicketTTL = time.Hour
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	t.Cleanup(func() { _ = rdb.Close() })

	tests := []struct {
		name    string
		local   bool
		redisUp bool
		keyed   bool
	}{
		{"memory store", true, true, true},
		{"redis down", false, false, true},
		{"shared store with redis", false, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var l limiter.Limiter
			if tt.local {
				l = newOwnerLimiter(cfg, rdb, tt.redisUp, memory.New(), zerolog.Nop())
			} else {
				l = newOwnerLimiter(cfg, rdb, tt.redisUp, sharedStore{memory.New()}, zerolog.Nop())
			}
			_, isKeyed := l.(*limiter.Keyed)
			assert.Equal(t, tt.keyed, isKeyed)
		})
	}
}
