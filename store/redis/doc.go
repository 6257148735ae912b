// Package redis implements store.Store using Redis. Entities are
// stored as JSON strings; due-time scans (discovery schedules, refresh
// schedules, finished actions) use Sorted Sets scored by timestamp so
// range queries stay cheap as the fleet grows.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis
