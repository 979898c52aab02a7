package ocl

import (
	"sync"

	"go.uber.org/multierr"
)

// CallbackErrors collects errors raised inside completion callbacks, which
// cannot return them to the goroutine that enqueued the work. Inspect it
// after Queue.Finish.
type CallbackErrors struct {
	mu  sync.Mutex
	err error
}

// Record adds err. Nil errors are ignored.
func (c *CallbackErrors) Record(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.err = multierr.Append(c.err, err)
	c.mu.Unlock()
}

// Err returns the combined errors recorded so far, or nil.
func (c *CallbackErrors) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Len returns the number of errors recorded.
func (c *CallbackErrors) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(multierr.Errors(c.err))
}

// Reset clears the collection and returns what it held.
func (c *CallbackErrors) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.err
	c.err = nil
	return err
}
