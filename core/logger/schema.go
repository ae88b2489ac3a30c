package logger

import "strings"

var levelNames = map[string]string{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

var allowedStatus = map[string]bool{
	"ok":           true,
	"fail":         true,
	"skip":         true,
	"retry":        true,
	"stale":        true,
	"rate_limited": true,
	"cancelled":    true,
}

// Delivery outcomes of the scheduler and the bot replies.
var allowedOutcome = map[string]bool{
	"delivered": true,
	"transient": true,
	"permanent": true,
	"cancelled": true,
	"completed": true,
	"ok":        true,
	"fail":      true,
}

func normalizeLevel(level string) string {
	if level == "" {
		return "INFO"
	}
	if mapped, ok := levelNames[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

// normalizeStatus lowercases the status and reports whether it is a known value.
func normalizeStatus(status string) (string, bool) {
	status = strings.ToLower(strings.TrimSpace(status))
	return status, allowedStatus[status]
}

func normalizeOutcome(outcome string) (string, bool) {
	outcome = strings.ToLower(strings.TrimSpace(outcome))
	return outcome, allowedOutcome[outcome]
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"rid_full",
	"ts_unix_nano",
	"update_id",
	"user_id",
	"chat_id",
	"handler",
	"op",
	"kind",
	"run_id",
	"scenario_id",
	"step",
	"followup_id",
	"mailing_id",
	"recipient_id",
	"dialog_id",
	"session_id",
	"question_id",
	"outcome",
	"reason",
	"attempts",
	"next_due_at",
	"duration_ms",
	"due",
	"claimed",
	"delivered",
	"failed",
	"skipped",
	"count",
	"mode",
	"listen",
	"public_url",
	"http_code",
	"db",
	"host",
	"port",
	"err",
	"err_code",
	"retryable",
	"backoff_ms",
}
