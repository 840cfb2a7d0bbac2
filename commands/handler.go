// Package commands is the command set served by seco instances.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/guseggert/seco/control"
	"go.uber.org/zap"
)

const Usage = `Commands:
    show-id                   print the instance id
    exit                      stop the instance
    status                    report whether the instance is healthy
    get-var <name>            print a variable
    set-var <name> <value>    set a variable
    print <message>           print a message on the instance's stdout
`

// Handler runs commands against a Store.
type Handler struct {
	log    *zap.SugaredLogger
	id     string
	store  *Store
	stdout io.Writer
}

type Option func(h *Handler)

func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		h.log = l.Named("commands").Sugar()
	}
}

// WithStdout sets where the print command writes. Defaults to os.Stdout.
func WithStdout(w io.Writer) Option {
	return func(h *Handler) {
		h.stdout = w
	}
}

func NewHandler(id string, store *Store, opts ...Option) *Handler {
	h := &Handler{
		log:    zap.NewNop().Sugar(),
		id:     id,
		store:  store,
		stdout: os.Stdout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, args []string, out *control.Output) control.Result {
	if len(args) == 0 {
		return h.usage(out)
	}
	name, params := args[0], args[1:]
	switch {
	case name == "show-id" && len(params) == 0:
		return h.reply(out, control.ExitSuccess, "%s\n", h.id)
	case name == "exit" && len(params) == 0:
		res := h.reply(out, control.ExitSuccess, "Exiting\n")
		res.Terminate = true
		return res
	case name == "status" && len(params) == 0:
		return h.reply(out, control.ExitSuccess, "Everything seems fine\n")
	case name == "get-var" && len(params) == 1:
		v, ok := h.store.Get(params[0])
		if !ok {
			return h.reply(out, control.ExitFailure, "Variable not found\n")
		}
		return h.reply(out, control.ExitSuccess, "%s\n", v)
	case name == "set-var" && len(params) == 2:
		h.store.Set(params[0], params[1])
		h.log.Debugw("set variable", "Name", params[0])
		return control.Exit(control.ExitSuccess)
	case name == "print" && len(params) == 1:
		if _, err := fmt.Fprintln(h.stdout, params[0]); err != nil {
			h.log.Warnf("printing message: %s", err)
			return control.Exit(control.ExitFailure)
		}
		return control.Exit(control.ExitSuccess)
	}
	h.log.Debugw("rejected command", "Args", args)
	return h.usage(out)
}

func (h *Handler) reply(out *control.Output, code byte, format string, args ...any) control.Result {
	if err := out.Printf(format, args...); err != nil {
		h.log.Debugf("writing reply: %s", err)
		return control.Exit(control.ExitFailure)
	}
	return control.Exit(code)
}

func (h *Handler) usage(out *control.Output) control.Result {
	return h.reply(out, control.ExitFailure, "%s", Usage)
}
