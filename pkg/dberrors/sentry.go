package dberrors

import "github.com/getsentry/sentry-go"

// InitSentry wires Capture to a Sentry DSN. Config loading belongs to
// the embedding application, so the engine calls this only if a caller
// supplies a DSN; with an empty DSN, Capture stays a silent no-op.
func InitSentry(dsn string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{Dsn: dsn})
}

// Capture reports an error to Sentry and does nothing else: it does not
// stop the process, and the caller still receives and handles the error.
func Capture(err error) {
	if err == nil {
		return
	}
	sentry.CaptureException(err)
}
