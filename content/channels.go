package content

import "nugget-notifier/pkg/nugget"

// Channels maps lesson index to the content channel slug it draws from.
var Channels = [nugget.NumLessons]string{
	"nuggets-history",
	"nuggets-science",
	"nuggets-art",
	"nuggets-language",
	"nuggets-math",
	"nuggets-philosophy",
	"nuggets-music",
	"nuggets-nature",
	"nuggets-technology",
}

// LessonNames are the human-readable names used in help text.
var LessonNames = [nugget.NumLessons]string{
	"history",
	"science",
	"art",
	"language",
	"math",
	"philosophy",
	"music",
	"nature",
	"technology",
}
