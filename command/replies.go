package command

import (
	"fmt"
	"strings"

	"nugget-notifier/content"
)

const (
	replyStopped       = "Nuggets paused. Text :begin to start again."
	replyBadHours      = "Please specify a valid number of hours."
	replyBadSync       = "Usage: :sync followed by one or more hour values between 1 and 72, e.g. :sync 1 2 4"
	replyBadSlow       = "Usage: :slow followed by one number between 0 and 30."
	replyBadLessons    = "Usage: :lessons followed by lesson numbers between 0 and 8. Text :help for the list."
	replyUnknown       = "Sorry, I don't know that command. Text :help to see what I understand."
	replyNotSubscribed = "You're not subscribed yet. Text :begin to start getting nuggets."
	replySlowerYes     = "Done. Nuggets will now arrive half as often."
	replySlowerNo      = "Okay, keeping your current pace."
	replyTrouble       = "Something went wrong on our end. Please try again in a few minutes."
)

var helpText = buildHelp()

func buildHelp() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	b.WriteString(":begin [hours] - start or restart, optionally for a number of hours\n")
	b.WriteString(":stop - pause; :stop in 5 - stop after 5 hours\n")
	b.WriteString(":sync 1 2 4 - send after 1h, then 2h, then 4h, repeating\n")
	b.WriteString(":slow 2 - make every interval 3x longer\n")
	b.WriteString(":lessons 0 3 - only these lessons:")
	for i, name := range content.LessonNames {
		fmt.Fprintf(&b, " %d=%s", i, name)
	}
	return b.String()
}

func beginReply(hours int) string {
	if hours > 0 {
		return fmt.Sprintf("You're subscribed for the next %d hours. Your first nugget is on its way.", hours)
	}
	return "You're subscribed! Your first nugget is on its way. Text :help for options."
}

func stopInReply(hours int) string {
	return fmt.Sprintf("Got it. Nuggets will stop in %d hours.", hours)
}

func syncReply(hours []int) string {
	parts := make([]string, len(hours))
	for i, h := range hours {
		parts[i] = fmt.Sprintf("%dh", h)
	}
	return "New schedule: " + strings.Join(parts, ", ") + ", repeating."
}

func slowReply(factor int) string {
	if factor == 0 {
		return "Schedule unchanged."
	}
	return fmt.Sprintf("Every interval is now %d times longer.", factor+1)
}

func lessonsReply(indices []int) string {
	if len(indices) == 0 {
		return "All lessons turned off. You won't get nuggets until you pick some with :lessons."
	}
	names := make([]string, len(indices))
	for i, idx := range indices {
		names[i] = content.LessonNames[idx]
	}
	return "Lessons set: " + strings.Join(names, ", ") + "."
}
