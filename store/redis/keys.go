package redis

// keys holds the BullMQ keys of one queue: "<prefix>:<queue>:<name>".
type keys struct {
	base string // "<prefix>:<queue>:", also the job hash prefix

	wait         string
	active       string
	paused       string
	priority     string
	delayed      string
	failed       string
	stalled      string
	stalledCheck string
	meta         string
	events       string
	delay        string
}

func newKeys(prefix, queue string) keys {
	base := prefix + ":" + queue + ":"
	return keys{
		base:         base,
		wait:         base + "wait",
		active:       base + "active",
		paused:       base + "paused",
		priority:     base + "priority",
		delayed:      base + "delayed",
		failed:       base + "failed",
		stalled:      base + "stalled",
		stalledCheck: base + "stalled-check",
		meta:         base + "meta",
		events:       base + "events",
		delay:        base + "delay",
	}
}
