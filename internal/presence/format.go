package presence

import (
	"fmt"
	"time"
)

// TypingText composes the indicator line from the active typers. The arity
// rule is the contract; wording is adjusted by the presentation layer's
// translation tables, which are out of scope here.
func TypingText(typers []TypingIndicator) string {
	switch len(typers) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s is typing…", typers[0].UserName)
	case 2:
		return fmt.Sprintf("%s and %s are typing…", typers[0].UserName, typers[1].UserName)
	default:
		return fmt.Sprintf("%s, %s and %d others are typing…",
			typers[0].UserName, typers[1].UserName, len(typers)-2)
	}
}

// FormatLastSeen buckets elapsed time since lastSeen:
// <1 min "active now", <60 min minutes, <24 h hours, <7 d weekday name,
// otherwise a short date.
func FormatLastSeen(now, lastSeen time.Time) string {
	d := now.Sub(lastSeen)
	switch {
	case d < time.Minute:
		return "active now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	case d < 7*24*time.Hour:
		return lastSeen.Weekday().String()
	default:
		return lastSeen.Format("Jan 2, 2006")
	}
}
