// Package web is the browser and HTTP front-end of relay-gateway.
//
// # WebSocket
//
// GET /ws upgrades to a WebSocket carrying JSON frames. Each connection is one
// registry client with id "web:<uuid>".
//
// Client to server:
//
//	{"type":"subscribe","sessionName":"demo"}   // "" creates a new session
//	{"type":"message","content":"hello"}
//	{"type":"unsubscribe"}
//	{"type":"ping"}
//
// Server to client: {"type":"subscribed","sessionName":...,"history":[...]}
// first, then every session event (user_message, assistant_message, tool_use,
// result, error) as produced by package session, plus pong and protocol error
// frames. Events already included in the subscribe history are not repeated.
//
// # REST
//
//	GET    /api/sessions?archived=true
//	POST   /api/sessions                      {"name": "..."}
//	PATCH  /api/sessions/{name}               {"title": "..."}
//	POST   /api/sessions/{name}/archive
//	POST   /api/sessions/{name}/unarchive
//	DELETE /api/sessions/{name}
//	GET    /api/sessions/{name}/messages?limit=N
//	POST   /api/sessions/{name}/messages      {"content": "..."}
//	POST   /api/login                         {"password": "..."}
//	POST   /api/logout
//	GET    /health
//	GET    /health/ready
package web
