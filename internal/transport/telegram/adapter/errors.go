package adapter

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "naualerts/internal/transport"
)

// Classify maps a telebot error to a transport delivery error.
func Classify(chatID int64, err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return kit.RateLimited(chatID, time.Duration(flood.RetryAfter)*time.Second, err)
	}
	var group tele.GroupError
	if errors.As(err, &group) && group.MigratedTo != 0 {
		return kit.Migrated(chatID, group.MigratedTo, err)
	}
	var te *tele.Error
	if errors.As(err, &te) {
		switch {
		case te.Code == http.StatusTooManyRequests:
			return kit.RateLimited(chatID, time.Second, err)
		case te.Code == http.StatusForbidden, te.Code == http.StatusBadRequest:
			return kit.Permanent(chatID, err)
		case te.Code >= 500:
			return kit.Transient(chatID, err)
		}
	}
	// Descriptions telebot does not know come back as "telegram: <desc> (<code>)".
	switch code := trailingCode(err.Error()); {
	case code == http.StatusTooManyRequests:
		return kit.RateLimited(chatID, time.Second, err)
	case code == http.StatusForbidden, code == http.StatusBadRequest:
		return kit.Permanent(chatID, err)
	}
	if permanentText(err.Error()) {
		return kit.Permanent(chatID, err)
	}
	return kit.Transient(chatID, err)
}

func trailingCode(s string) int {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, ")") {
		return 0
	}
	i := strings.LastIndexByte(s, '(')
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(s[i+1 : len(s)-1])
	if err != nil {
		return 0
	}
	return n
}

var permanentMarkers = []string{
	"bot was blocked",
	"bot was kicked",
	"chat not found",
	"user is deactivated",
	"not enough rights",
	"have no rights",
	"chat_write_forbidden",
	"group chat was deleted",
	"forbidden",
}

func permanentText(s string) bool {
	s = strings.ToLower(s)
	for _, m := range permanentMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
