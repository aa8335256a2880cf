package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// ConsoleSink prints deliveries to a writer. Growth of a message is printed
// as the appended tail; any other edit reprints the message.
type ConsoleSink struct {
	mu    sync.Mutex
	w     io.Writer
	texts map[Handle]string
	next  int
	last  Handle
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	return &ConsoleSink{w: w, texts: make(map[Handle]string)}
}

func (c *ConsoleSink) Create(_ context.Context, text string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	h := Handle(strconv.Itoa(c.next))
	c.texts[h] = text
	if c.next > 1 {
		fmt.Fprintln(c.w)
	}
	if _, err := fmt.Fprint(c.w, text); err != nil {
		return "", err
	}
	c.last = h
	return h, nil
}

func (c *ConsoleSink) Update(_ context.Context, h Handle, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.texts[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	c.texts[h] = text
	if h == c.last && strings.HasPrefix(text, prev) {
		_, err := fmt.Fprint(c.w, text[len(prev):])
		return err
	}
	_, err := fmt.Fprintf(c.w, "\n[edited]\n%s", text)
	c.last = h
	return err
}

// Finish terminates the last line.
func (c *ConsoleSink) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next > 0 {
		fmt.Fprintln(c.w)
	}
}
