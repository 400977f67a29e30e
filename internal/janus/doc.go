// Package janus implements the client side of the Janus gateway WebSocket
// API: one Session multiplexes a single connection across plugin Handles,
// correlates replies to requests by transaction, and routes pushed events to
// the handle they address.
//
// Plugin payloads (body, plugindata, jsep) are passed through untouched.
package janus
