/*
Package control provides the server and client ends of a local control channel: a long-running process starts a Listener, and a short-lived control process uses a Client to send it one command and stream back the output.

Listeners rendezvous with clients through a directory of Unix sockets (see package rendezvous), so the channel never leaves the local machine. The byte formats are described in package wire.

An exchange proceeds as follows:

 1. The listener binds <base>/<pid> and publishes <base>/<id> as an alias for it.
 2. The client resolves the instance, either by id or by looking for the single live instance in the directory, and connects.
 3. The client sends the encoded command in a single write and half-closes its side of the connection.
 4. The listener decodes the command and runs the Handler, which streams output through an Output as it goes.
 5. When the handler returns, the listener sends the exit frame and closes the connection.
 6. The client delivers each output chunk in order and returns the exit code.

Connections are served one at a time. A second client waits in the socket backlog until the first exchange is over.

A Gateway can additionally serve the same handler over HTTP on a Unix socket next to the listener's endpoint. Its GET /command route carries the exact same protocol inside WebSocket binary messages, and POST /command is a buffered JSON variant which is easier to curl.
*/
package control
