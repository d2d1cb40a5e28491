// Package format renders a sorted event sequence into the digest message.
// Rendering is pure: identical input yields byte-identical output.
package format

import (
	"fmt"
	"html"
	"strings"

	"calbot/internal/domain"
)

// EmptyDigest is the reply for a window with no events at all.
const EmptyDigest = "No upcoming events in the next 7 days."

const (
	dayHeaderLayout = "Monday, 2 January"
	timeLayout      = "15:04"
)

// Digest renders events grouped by calendar day. The input must already
// be in the total (start, title) order; grouping walks it linearly so no
// map iteration can leak nondeterminism into the output.
func Digest(events []domain.Event) string {
	if len(events) == 0 {
		return EmptyDigest
	}

	var b strings.Builder
	var currentDay string

	for _, ev := range events {
		day := ev.Day().Format(dayHeaderLayout)
		if day != currentDay {
			if currentDay != "" {
				b.WriteString("\n")
			}
			b.WriteString(day)
			b.WriteString("\n")
			currentDay = day
		}
		b.WriteString(eventLine(&ev))
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

// DigestHTML renders the same digest as a Matrix formatted body.
func DigestHTML(events []domain.Event) string {
	if len(events) == 0 {
		return "<p>" + EmptyDigest + "</p>"
	}

	var b strings.Builder
	var currentDay string
	open := false

	for _, ev := range events {
		day := ev.Day().Format(dayHeaderLayout)
		if day != currentDay {
			if open {
				b.WriteString("</ul>")
			}
			b.WriteString("<h4>" + html.EscapeString(day) + "</h4><ul>")
			open = true
			currentDay = day
		}
		b.WriteString("<li>" + html.EscapeString(eventLine(&ev)) + "</li>")
	}
	if open {
		b.WriteString("</ul>")
	}

	return b.String()
}

func eventLine(ev *domain.Event) string {
	if ev.AllDay {
		return fmt.Sprintf("(all day) — %s", ev.Title)
	}
	return fmt.Sprintf("%s — %s", ev.Start.Format(timeLayout), ev.Title)
}
