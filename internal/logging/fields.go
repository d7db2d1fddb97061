package logging

const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldMethod    = "method"
	FieldPath      = "path"
	FieldStatus    = "status"
	FieldLatency   = "latency_ms"

	FieldRoomID    = "room_id"
	FieldMessageID = "message_id"
	FieldChannel   = "channel"
	FieldEvent     = "event"
	FieldSocketID  = "socket_id"
	FieldState     = "state"

	// Audit entries for moderation actions.
	FieldLogType = "log_type"
	FieldAction  = "action"
	LogTypeAudit = "audit"
)
