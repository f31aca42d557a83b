// Package relaytest provides relays for tests and local development.
//
// Hub wires transports together in process with the semantics of the real
// service, including retained-message replay and injectable connection
// failures, so the session layer and the reconnecting client can be tested
// without a network. Server is the same relay behind an http.Handler
// speaking the production websocket protocol; wrap it in httptest.NewServer
// for socket-level tests, or serve it with relayd during development.
package relaytest
