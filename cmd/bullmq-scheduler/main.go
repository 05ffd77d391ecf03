// Command bullmq-scheduler runs one queue scheduler per configured queue
// against a Redis server and serves /metrics and /healthz.
//
//	bullmq-scheduler --redis-url redis://localhost:6379/0 --queues emails,reports
//
// Every flag can also be set through a BULLMQ_* environment variable;
// explicit flags take precedence.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "bullmq-scheduler:", err)
		os.Exit(1)
	}
}
