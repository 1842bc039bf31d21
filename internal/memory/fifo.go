package memory

import (
	"strings"
)

// Estimator approximates the token cost of a message's content.
type Estimator func(content string) int

// CharEstimator estimates one token per charsPerToken bytes, rounding
// up. A non-positive charsPerToken means 4.
func CharEstimator(charsPerToken int) Estimator {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return func(content string) int {
		return (len(content) + charsPerToken - 1) / charsPerToken
	}
}

// FIFO is the recent-conversation tier: an ordered window of messages
// whose estimated size is kept within a token budget by evicting the
// oldest first. It is not safe for concurrent use; the owning agent
// serializes access.
type FIFO struct {
	budget   int
	estimate Estimator
	msgs     []Message
	costs    []int
	tokens   int
}

// NewFIFO returns an empty FIFO. A nil estimator means CharEstimator(4).
func NewFIFO(budget int, estimate Estimator) *FIFO {
	if estimate == nil {
		estimate = CharEstimator(4)
	}
	return &FIFO{budget: budget, estimate: estimate}
}

// Append adds m and evicts from the front until the window fits the
// budget. A message larger than the whole budget is itself evicted. The
// evicted messages are returned oldest first.
func (f *FIFO) Append(m Message) []Message {
	cost := f.estimate(m.Content)
	f.msgs = append(f.msgs, m)
	f.costs = append(f.costs, cost)
	f.tokens += cost

	n := 0
	for f.tokens > f.budget && n < len(f.msgs) {
		f.tokens -= f.costs[n]
		n++
	}
	if n == 0 {
		return nil
	}
	evicted := make([]Message, n)
	copy(evicted, f.msgs[:n])
	f.msgs = append(f.msgs[:0:0], f.msgs[n:]...)
	f.costs = append(f.costs[:0:0], f.costs[n:]...)
	return evicted
}

// Restore appends msgs in order, applying eviction after each.
func (f *FIFO) Restore(msgs []Message) {
	for _, m := range msgs {
		f.Append(m)
	}
}

// Messages returns a copy of the window, oldest first.
func (f *FIFO) Messages() []Message {
	out := make([]Message, len(f.msgs))
	copy(out, f.msgs)
	return out
}

// Search returns messages whose content contains query, ignoring case,
// newest first.
func (f *FIFO) Search(query string, limit int) []Message {
	q := strings.ToLower(query)
	var hits []Message
	for i := len(f.msgs) - 1; i >= 0 && (limit <= 0 || len(hits) < limit); i-- {
		if strings.Contains(strings.ToLower(f.msgs[i].Content), q) {
			hits = append(hits, f.msgs[i])
		}
	}
	return hits
}

// Len returns the number of messages in the window.
func (f *FIFO) Len() int { return len(f.msgs) }

// Tokens returns the estimated size of the window.
func (f *FIFO) Tokens() int { return f.tokens }

// Budget returns the token budget.
func (f *FIFO) Budget() int { return f.budget }
