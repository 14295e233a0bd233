package ports

import "context"

// Fields carries structured key/value context for a log line. Engine code
// passes position IDs, symbols and order IDs through it rather than
// formatting them into the message.
type Fields = map[string]interface{}

// Logger is the logging sink shared by the engine and every adapter.
// Messages are prefixed with the operation that emits them.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	// Error logs err alongside msg. err may be nil.
	Error(ctx context.Context, err error, msg string, fields ...Fields)
}
