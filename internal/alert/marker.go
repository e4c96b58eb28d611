package alert

import (
	"sort"
	"time"
)

// Marker records the last alert id delivered for a source.
// Version is bumped by every successful compare-and-set; zero means "never stored".
type Marker struct {
	Source    string
	LastID    uint64
	Version   uint64
	UpdatedAt time.Time
}

// Topic is what a chat subscribes to.
type Topic string

const (
	TopicAlerts Topic = "alerts"
	TopicWeeks  Topic = "weeks"
)

var Topics = []Topic{TopicAlerts, TopicWeeks}

func ParseTopic(s string) (Topic, bool) {
	for _, t := range Topics {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

type Subscription struct {
	Topic  Topic
	ChatID int64
}

// SortByID orders alerts by id, keeping the original order for equal ids.
func SortByID(as []Alert) {
	sort.SliceStable(as, func(i, j int) bool { return as[i].ID < as[j].ID })
}
