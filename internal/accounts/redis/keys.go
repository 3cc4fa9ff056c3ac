package redis

import "fmt"

// Key prefix for all account data
const keyPrefix = "diceduel"

// accountKey returns the Redis key for an Account
func accountKey(username string) string {
	return fmt.Sprintf("%s:account:%s", keyPrefix, username)
}

// leaderboardKey returns the Redis key for the wins ZSET
func leaderboardKey() string {
	return keyPrefix + ":leaderboard"
}
