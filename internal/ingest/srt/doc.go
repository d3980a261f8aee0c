// Package srt implements SRT (Secure Reliable Transport) ingest, including
// both listener-mode (Server) for accepting publishers of registered inputs
// and caller-mode (Caller) for pulling inputs from remote SRT listeners.
package srt
