package serial

import "bytes"

// Counter counts occurrences of a pattern in output as it arrives. Unlike
// Count, its tally survives the buffer being cut down to its window.
type Counter struct {
	pattern []byte
	carry   []byte
	n       int
}

// N returns the number of occurrences seen so far.
func (c *Counter) N() int { return c.n }

func (c *Counter) feed(data []byte) {
	// carry holds fewer bytes than the pattern, so an occurrence found in
	// carry+data always ends in data and was not counted before.
	joined := make([]byte, 0, len(c.carry)+len(data))
	joined = append(joined, c.carry...)
	joined = append(joined, data...)
	c.n += bytes.Count(joined, c.pattern)

	keep := min(len(c.pattern)-1, len(joined))
	c.carry = append(c.carry[:0], joined[len(joined)-keep:]...)
}

// Watch starts counting pattern in output received from now on. Call
// Unwatch when done.
func (s *Session) Watch(pattern string) *Counter {
	c := &Counter{pattern: []byte(pattern)}
	if pattern == "" {
		return c
	}
	s.counters = append(s.counters, c)
	return c
}

// Unwatch stops updating c.
func (s *Session) Unwatch(c *Counter) {
	for i, w := range s.counters {
		if w == c {
			s.counters = append(s.counters[:i], s.counters[i+1:]...)
			return
		}
	}
}
