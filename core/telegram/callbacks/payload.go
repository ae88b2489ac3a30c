package callbacks

import (
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// PayloadInt64 parses the callback payload as int64.
func PayloadInt64(c tele.Context) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(CallbackPayload(c)), 10, 64)
}

// PayloadInt64s parses payloads like "12:34:5" into int64 values.
func PayloadInt64s(c tele.Context, sep string) ([]int64, error) {
	parts := strings.Split(CallbackPayload(c), sep)
	out := make([]int64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Data encodes a payload for tele.ReplyMarkup.Data from integer parts.
func Data(sep string, parts ...int64) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = strconv.FormatInt(p, 10)
	}
	return strings.Join(s, sep)
}
