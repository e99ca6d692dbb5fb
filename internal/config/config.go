// Package config loads the environment knobs listed in spec §6, following
// the reference repo's own plain os.Getenv + joho/godotenv idiom rather
// than introducing a flag/viper layer the reference never uses.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the engine reads at startup.
type Config struct {
	Addr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string

	RoundSeconds            int
	MaxRounds               int
	MaxPlayers              int
	ChatWindowSeconds       int
	ChatMaxBurst            int
	MaxChatCooldown         int
	DisconnectGraceSeconds  int
	RoundBreakSeconds       int
	KickVoteSeconds         int
	ChatHistoryLimit        int
	DrawHistoryLimit        int
	RoomHistoryTTLSeconds   int
	RoomStateTTLSeconds     int
	TimerOwnerGraceSeconds  int
	RedisLockTimeoutSeconds int
	RedisLockWaitSeconds    int
}

// Load reads a .env file if present (ignored if missing, matching the
// reference's own best-effort godotenv.Load call) then populates Config
// from the environment, falling back to spec.md's documented defaults.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file loaded: %v", err)
	}

	return &Config{
		Addr: getString("ADDR", ":8080"),

		RedisAddr:     getString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getString("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		PostgresDSN: getString("DATABASE_URL", ""),

		RoundSeconds:            getInt("ROUND_SECONDS", 120),
		MaxRounds:               getInt("MAX_ROUNDS", 10),
		MaxPlayers:              getInt("MAX_PLAYERS", 8),
		ChatWindowSeconds:       getInt("CHAT_WINDOW_SECONDS", 4),
		ChatMaxBurst:            getInt("CHAT_MAX_BURST", 3),
		MaxChatCooldown:         getInt("MAX_CHAT_COOLDOWN", 12),
		DisconnectGraceSeconds:  getInt("DISCONNECT_GRACE_SECONDS", 60),
		RoundBreakSeconds:       getInt("ROUND_BREAK_SECONDS", 5),
		KickVoteSeconds:         getInt("KICK_VOTE_SECONDS", 20),
		ChatHistoryLimit:        getInt("CHAT_HISTORY_LIMIT", 500),
		DrawHistoryLimit:        getInt("DRAW_HISTORY_LIMIT", 2000),
		RoomHistoryTTLSeconds:   getInt("ROOM_HISTORY_TTL_SECONDS", 604800),
		RoomStateTTLSeconds:     getInt("ROOM_STATE_TTL_SECONDS", 86400),
		TimerOwnerGraceSeconds:  getInt("TIMER_OWNER_GRACE_SECONDS", 15),
		RedisLockTimeoutSeconds: getInt("REDIS_LOCK_TIMEOUT_SECONDS", 10),
		RedisLockWaitSeconds:    getInt("REDIS_LOCK_WAIT_SECONDS", 5),
	}
}

func (c *Config) LockTimeout() time.Duration { return time.Duration(c.RedisLockTimeoutSeconds) * time.Second }
func (c *Config) LockWait() time.Duration    { return time.Duration(c.RedisLockWaitSeconds) * time.Second }
func (c *Config) RoomHistoryTTL() time.Duration {
	return time.Duration(c.RoomHistoryTTLSeconds) * time.Second
}
func (c *Config) RoomStateTTL() time.Duration {
	return time.Duration(c.RoomStateTTLSeconds) * time.Second
}
func (c *Config) TimerOwnerTTL() time.Duration {
	return time.Duration(c.RoundSeconds+c.TimerOwnerGraceSeconds) * time.Second
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid int for %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}
