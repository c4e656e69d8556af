package logger

import "strings"

var allowedLevels = map[string]string{
	"debug":   "DEBUG",
	"info":    "INFO",
	"warn":    "WARN",
	"warning": "WARN",
	"error":   "ERROR",
}

func normalizeLevel(level string) string {
	if level == "" {
		return "INFO"
	}
	if mapped, ok := allowedLevels[strings.ToLower(level)]; ok {
		return mapped
	}
	return strings.ToUpper(level)
}

var defaultKeyOrder = []string{
	"ts",
	"level",
	"component",
	"event",
	"status",
	"rid",
	"update_id",
	"user_id",
	"chat_id",
	"handler",
	"state",
	"node_id",
	"option",
	"job_id",
	"job_status",
	"input_ref",
	"output_ref",
	"attempt",
	"attempts",
	"duration_ms",
	"queue_depth",
	"workers",
	"history_depth",
	"version",
	"mode",
	"listen",
	"public_url",
	"db",
	"host",
	"port",
	"nodes",
	"files",
	"err",
	"err_code",
	"retryable",
	"backoff_ms",
}
