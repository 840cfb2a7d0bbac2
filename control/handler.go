package control

import "context"

const (
	ExitSuccess byte = 0
	ExitFailure byte = 1
)

// Result is what a handler returns once it is done with a command.
type Result struct {
	ExitCode byte
	// Terminate asks the owner of the listener to shut down once the response has been delivered.
	Terminate bool
}

// Exit returns a Result with the given exit code.
func Exit(code byte) Result {
	return Result{ExitCode: code}
}

// Handler runs one command.
// Output written to out is streamed to the client immediately. The handler may close out itself to choose the
// exit code early, in which case the ExitCode of the returned Result is ignored.
// Invocations are serialized, a handler never runs concurrently with itself.
type Handler interface {
	Handle(ctx context.Context, args []string, out *Output) Result
}

type HandlerFunc func(ctx context.Context, args []string, out *Output) Result

func (f HandlerFunc) Handle(ctx context.Context, args []string, out *Output) Result {
	return f(ctx, args, out)
}
