package wire

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
)

// MaxCommandLength is the maximum size of an encoded command.
const MaxCommandLength = 512

const separator = 0x00

var (
	ErrCommandTooLong   = errors.New("command too long")
	ErrInvalidArgument  = errors.New("argument contains a NUL byte")
	ErrTruncatedCommand = errors.New("truncated command")
)

// EncodeCommand encodes args as NUL-terminated strings.
func EncodeCommand(args []string) ([]byte, error) {
	size := 0
	for i, arg := range args {
		if strings.IndexByte(arg, separator) != -1 {
			return nil, fmt.Errorf("argument %d: %w", i, ErrInvalidArgument)
		}
		size += len(arg) + 1
	}
	if size > MaxCommandLength {
		return nil, fmt.Errorf("%w: %d bytes encoded, max %d", ErrCommandTooLong, size, MaxCommandLength)
	}

	b := make([]byte, 0, size)
	for _, arg := range args {
		b = append(b, arg...)
		b = append(b, separator)
	}
	return b, nil
}

// DecodeCommand splits b back into arguments.
// An empty buffer is the command with no arguments. A final argument that isn't NUL-terminated is an error.
func DecodeCommand(b []byte) ([]string, error) {
	args := []string{}
	for len(b) > 0 {
		end := bytes.IndexByte(b, separator)
		if end == -1 {
			return nil, fmt.Errorf("%w: %d trailing bytes without separator", ErrTruncatedCommand, len(b))
		}
		args = append(args, string(b[:end]))
		b = b[end+1:]
	}
	return args, nil
}
