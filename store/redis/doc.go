// Package redis implements scheduler.Store on Redis with the BullMQ key
// layout. Delayed jobs live in a sorted set, the delay log is a stream,
// and promotion and stall recovery are Lua scripts so that several
// processes can share a queue safely.
//
// The store owns a dedicated connection cloned from the caller's client
// options with a pool of one, because the delay log read blocks for up to
// a whole stalled interval. The caller still owns the client it passed in.
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redis.New(client, "emails", redis.WithPrefix("bull"))
//	qs, err := scheduler.New("emails", store)
package redis
