// Package idle implements the Idle Monitor.
//
// While the connection is open the monitor periodically compares the
// connection's last activity with a threshold. An idle connection is
// hibernated: every live subscription's request is moved into the pending
// queue and the socket is closed without a reconnect. A foreground signal
// resumes it; a background signal runs the check immediately.
package idle
