package pipeline

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCollectorCollapsesRepeats(t *testing.T) {
	var emitted []string
	c := newLogCollector(func(line string) { emitted = append(emitted, line) })

	c.Add("pulling layer")
	c.Add("retrying connection")
	c.Add("retrying connection")
	c.Add("retrying connection")
	c.Add("retrying connection")
	c.Add("done")

	want := []string{
		"pulling layer",
		"retrying connection",
		"retrying connection (repeated 3 more times)",
		"done",
	}
	if !reflect.DeepEqual(emitted, want) {
		t.Fatalf("got %v, want %v", emitted, want)
	}
}

func TestCollectorFlushReportsPendingRepeats(t *testing.T) {
	var emitted []string
	c := newLogCollector(func(line string) { emitted = append(emitted, line) })

	c.Add("waiting")
	c.Add("waiting")
	c.Add("waiting")
	c.Flush()

	want := []string{"waiting", "waiting (repeated 2 more times)"}
	if !reflect.DeepEqual(emitted, want) {
		t.Fatalf("got %v, want %v", emitted, want)
	}

	// Flush with nothing pending emits nothing.
	c.Flush()
	if len(emitted) != 2 {
		t.Fatalf("unexpected extra emission: %v", emitted)
	}
}

func TestCollectorArchiveKeepsRawRepeats(t *testing.T) {
	c := newLogCollector(nil)

	c.Add("a")
	c.Add("b")
	c.Add("b")
	c.Add("b")
	c.Add("c")

	got := c.Archive()
	want := []byte("a\nb\nb\nb\nc\n")
	if !bytes.Equal(got, want) {
		t.Fatalf("archive %q, want %q", got, want)
	}
}

func TestCollectorArchiveTruncates(t *testing.T) {
	c := &logCollector{tailSize: 10, archiveLimit: 16}

	c.Add("0123456789")
	c.Add("0123456789")
	c.Add("more")

	data := c.Archive()
	if !bytes.Contains(data, []byte("... (output truncated)\n")) {
		t.Fatalf("expected truncation marker, got %q", data)
	}
	if bytes.Count(data, []byte("truncated")) != 1 {
		t.Fatalf("marker should appear once, got %q", data)
	}
	if bytes.Contains(data, []byte("more")) {
		t.Fatalf("capture should stop after truncation, got %q", data)
	}
}

func TestCollectorTail(t *testing.T) {
	c := newLogCollector(nil)
	c.tailSize = 3

	for _, line := range []string{"one", "two", "three", "four", "five"} {
		c.Add(line)
	}

	if got, want := c.Tail(2), []string{"four", "five"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail(2) = %v, want %v", got, want)
	}
	if got, want := c.Tail(0), []string{"three", "four", "five"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Tail(0) = %v, want %v", got, want)
	}
	if got := c.Tail(10); len(got) != 3 {
		t.Fatalf("Tail(10) = %v, want 3 entries", got)
	}
}

func TestCollectorNilSafe(t *testing.T) {
	var c *logCollector
	c.Add("ignored")
	c.Flush()
	if c.Tail(5) != nil || c.Archive() != nil {
		t.Fatal("nil collector should be inert")
	}
}
