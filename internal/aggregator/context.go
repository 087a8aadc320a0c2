package aggregator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rcliao/care-companion/internal/model"
)

// Status reports whether a context section could be loaded.
type Status string

const (
	StatusOK          Status = "ok"
	StatusEmpty       Status = "empty"
	StatusUnavailable Status = "unavailable"
)

// Section is one typed part of a context with an explicit load status.
type Section[T any] struct {
	Items  []T    `json:"items"`
	Status Status `json:"status"`
	Err    string `json:"error,omitempty"`
}

func sectionOf[T any](items []T, err error) Section[T] {
	if err != nil {
		return unavailable[T](err)
	}
	if len(items) == 0 {
		return Section[T]{Items: []T{}, Status: StatusEmpty}
	}
	return Section[T]{Items: items, Status: StatusOK}
}

func unavailable[T any](err error) Section[T] {
	return Section[T]{Items: []T{}, Status: StatusUnavailable, Err: err.Error()}
}

// ContextTurn is a turn admitted into a context, possibly shortened.
type ContextTurn struct {
	model.ConversationTurn
	Excerpt bool `json:"excerpt,omitempty"`
}

// Context is the assembled view of a patient at one point in time.
type Context struct {
	Patient     model.Patient                  `json:"patient"`
	GeneratedAt time.Time                      `json:"generated_at"`
	CharBudget  int                            `json:"char_budget"`
	CharsUsed   int                            `json:"chars_used"`
	Turns       Section[ContextTurn]           `json:"turns"`
	Medications Section[model.MedicationState] `json:"medications"`
	Reminders   Section[model.ReminderJob]     `json:"reminders"`
	Events      Section[model.PersonalEvent]   `json:"events"`
}

// LatestTurn returns the most recent admitted turn, if any.
func (c *Context) LatestTurn() (model.ConversationTurn, bool) {
	if n := len(c.Turns.Items); n > 0 {
		return c.Turns.Items[n-1].ConversationTurn, true
	}
	return model.ConversationTurn{}, false
}

// AverageSentiment averages the classified sentiment of admitted turns.
func (c *Context) AverageSentiment() (float64, bool) {
	var sum float64
	n := 0
	for _, t := range c.Turns.Items {
		if t.Sentiment != nil {
			sum += *t.Sentiment
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// Summary renders the context as plain text of at most maxChars bytes.
// Care data comes first; conversation lines are then added newest-first
// until the budget runs out and rendered oldest-first.
func (c *Context) Summary(maxChars int) string {
	loc := c.Patient.Location(time.UTC)
	var b strings.Builder

	fmt.Fprintf(&b, "Patient: %s\n", c.Patient.Name)
	fmt.Fprintf(&b, "Now: %s\n", c.GeneratedAt.In(loc).Format("Mon 2006-01-02 15:04"))

	switch c.Medications.Status {
	case StatusOK:
		b.WriteString("Medications:\n")
		for _, m := range c.Medications.Items {
			fmt.Fprintf(&b, "- %s %s", m.Name, m.Dosage)
			if len(m.ScheduleTimes) > 0 {
				fmt.Fprintf(&b, " at %s", strings.Join(m.ScheduleTimes, ", "))
			}
			if m.Adherence.Total > 0 {
				fmt.Fprintf(&b, " (adherence %.0f%%", m.Adherence.Rate*100)
				if m.Adherence.RecentMissed > 0 {
					fmt.Fprintf(&b, ", %d missed recently", m.Adherence.RecentMissed)
				}
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	case StatusUnavailable:
		b.WriteString("Medications: unavailable\n")
	}

	if c.Reminders.Status == StatusOK {
		b.WriteString("Upcoming reminders:\n")
		for _, j := range c.Reminders.Items {
			fmt.Fprintf(&b, "- %s %s\n", j.NextFireAt.In(loc).Format("15:04"), j.Title)
		}
	}

	if c.Events.Status == StatusOK {
		b.WriteString("Personal events:\n")
		for _, e := range c.Events.Items {
			fmt.Fprintf(&b, "- %s %s (%s)\n", e.EventDate.In(loc).Format("2006-01-02"), e.Title, e.Type)
		}
	}

	header := b.String()
	if maxChars <= 0 {
		maxChars = c.CharBudget
	}
	remaining := math.MaxInt32
	if maxChars > 0 {
		if len(header) >= maxChars {
			return truncate(header, maxChars)
		}
		remaining = maxChars - len(header)
	}
	var lines []string
	const convHeader = "Conversation:\n"
	if len(c.Turns.Items) > 0 && remaining > len(convHeader) {
		remaining -= len(convHeader)
		for i := len(c.Turns.Items) - 1; i >= 0; i-- {
			t := c.Turns.Items[i]
			line := fmt.Sprintf("[%s] %s: %s\n", t.Timestamp.In(loc).Format("01-02 15:04"), t.Speaker, t.Text)
			if len(line) > remaining {
				break
			}
			lines = append(lines, line)
			remaining -= len(line)
		}
	}
	if len(lines) == 0 {
		return header
	}

	b.Reset()
	b.WriteString(header)
	b.WriteString(convHeader)
	for i := len(lines) - 1; i >= 0; i-- {
		b.WriteString(lines[i])
	}
	return b.String()
}
