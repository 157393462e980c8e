package sms

import (
	"strings"
	"unicode/utf8"
)

// MaxBodyRunes keeps a nugget text within one SMS segment when the link allows it.
const MaxBodyRunes = 160

const (
	promptText = "You've received 100 nuggets! Would you like to get them half as often? Reply yes or no."

	welcomeText = "Welcome to nuggets! You'll get a bite-sized lesson every hour. " +
		"Text :help to see how to change that."

	nuggetPrefix = "Your next nugget: "
)

// nuggetText shortens title so the whole text fits MaxBodyRunes. The link is never cut.
func nuggetText(title, link string) string {
	room := MaxBodyRunes - utf8.RuneCountInString(nuggetPrefix) - utf8.RuneCountInString(link) - 1
	title = strings.TrimSpace(title)
	if room < 2 || title == "" {
		return nuggetPrefix + link
	}
	if utf8.RuneCountInString(title) > room {
		r := []rune(title)
		title = strings.TrimSpace(string(r[:room-1])) + "…"
	}
	return nuggetPrefix + title + "\n" + link
}
