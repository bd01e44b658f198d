package pipeline

import (
	"bytes"
	"fmt"
	"time"
)

const (
	logRepeatFlushInterval = 5 * time.Second
	logTailSize            = 100
	logArchiveLimit        = 8 << 20
)

// logCollector fans stage output into three sinks: a callback emitter with
// consecutive duplicates collapsed, a bounded tail for error reporting, and a
// capped raw capture for archival.
type logCollector struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
	maxDelay time.Duration

	tail     []string
	tailSize int

	archive      bytes.Buffer
	archiveLimit int
	truncated    bool
}

func newLogCollector(emit func(string)) *logCollector {
	return &logCollector{
		emit:         emit,
		maxDelay:     logRepeatFlushInterval,
		tailSize:     logTailSize,
		archiveLimit: logArchiveLimit,
	}
}

func (c *logCollector) Add(line string) {
	if c == nil || line == "" {
		return
	}
	c.capture(line)

	now := time.Now()
	if c.last == "" {
		c.last = line
		c.repeats = 0
		c.emitLine(line, now)
		return
	}
	if line == c.last {
		c.repeats++
		if c.maxDelay > 0 && now.Sub(c.lastEmit) >= c.maxDelay {
			c.flushRepeatsAt(now)
		}
		return
	}
	c.flushRepeatsAt(now)
	c.last = line
	c.repeats = 0
	c.emitLine(line, now)
}

// Flush reports any pending collapsed repeats.
func (c *logCollector) Flush() {
	if c == nil {
		return
	}
	c.flushRepeatsAt(time.Now())
}

// Tail returns up to limit of the most recently emitted lines.
func (c *logCollector) Tail(limit int) []string {
	if c == nil || len(c.tail) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(c.tail) {
		return append([]string(nil), c.tail...)
	}
	return append([]string(nil), c.tail[len(c.tail)-limit:]...)
}

// Archive returns the raw captured output.
func (c *logCollector) Archive() []byte {
	if c == nil {
		return nil
	}
	return c.archive.Bytes()
}

func (c *logCollector) capture(line string) {
	if c.archiveLimit <= 0 || c.truncated {
		return
	}
	if c.archive.Len()+len(line)+1 > c.archiveLimit {
		c.truncated = true
		c.archive.WriteString("... (output truncated)\n")
		return
	}
	c.archive.WriteString(line)
	c.archive.WriteByte('\n')
}

func (c *logCollector) flushRepeatsAt(now time.Time) {
	if c.repeats == 0 || c.last == "" {
		return
	}
	msg := fmt.Sprintf("%s (repeated %d more times)", c.last, c.repeats)
	c.repeats = 0
	c.emitLine(msg, now)
}

func (c *logCollector) emitLine(line string, now time.Time) {
	if c.emit != nil && line != "" {
		c.emit(line)
	}
	c.record(line)
	c.lastEmit = now
}

func (c *logCollector) record(line string) {
	if c.tailSize <= 0 || line == "" {
		return
	}
	if len(c.tail) < c.tailSize {
		c.tail = append(c.tail, line)
		return
	}
	c.tail = append(c.tail[1:], line)
}
