// Package bullmq provides the queue scheduler for BullMQ-compatible job
// queues stored in Redis.
//
// A queue scheduler keeps two kinds of jobs moving that no worker will ever
// touch on its own: delayed jobs whose due time has passed, and active jobs
// whose worker stopped renewing its lock. Run exactly one scheduler per
// queue.
//
// # Quick Start
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	store := redisstore.New(client, "emails")
//	defer client.Close()
//
//	qs, err := scheduler.New("emails", store,
//	    scheduler.WithStalledInterval(30*time.Second),
//	    scheduler.WithMaxStalledCount(1),
//	)
//	qs.Events().OnStalled(func(jobID, prev string) { ... })
//	go qs.Run(ctx)
//	defer qs.Close(ctx)
//
// # Architecture
//
// The scheduler package owns the control loop and talks to storage through
// the scheduler.Store interface. store/redis implements it with go-redis and
// two Lua scripts; store/memory implements it in process for tests. Every
// remote call except the blocking stream read goes through the guard
// package, which classifies connection failures and retries them.
package bullmq

// DefaultPrefix is the key prefix BullMQ uses when none is configured.
const DefaultPrefix = "bull"

// StartCursor is the delay stream position before any entry.
const StartCursor = "0-0"

// PrevStateActive is the prior state reported with failed and stalled
// events.
const PrevStateActive = "active"
