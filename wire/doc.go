/*
Package wire implements the byte formats of the control protocol. It does no I/O of its own beyond reading a stream from an io.Reader, so both the listener and the client share it.

A connection carries exactly one command and one response.

The command is sent client->server as the concatenation of its arguments, each followed by a single NUL byte. Arguments cannot contain NUL. The whole encoded command must fit in MaxCommandLength bytes, since the server reads it with a single bounded read.

The response is sent server->client as a sequence of frames. Every frame starts with a length byte L:

 1. L > 0: the next L bytes are one output chunk.
 2. L == 0: the next byte is the exit code. This is always the last frame, and the writer closes the connection after it.

Output of any length is split into chunks of at most 255 bytes. Writing empty output produces no frames at all, since a zero length header is reserved for the exit frame.
*/
package wire
