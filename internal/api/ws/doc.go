// Package ws streams a plugin instance to its host page over a WebSocket.
//
// Each connection follows one instance. Server frames carry the instance's outbound
// messages and its frame events (render, resize, visible, state, error, close, show,
// console, load). Clients send {"type":"message","data":...} to post a message,
// {"type":"event","event":...,"args":[...]} to dispatch a host event, and
// {"type":"ping"} to keep the connection alive.
package ws
