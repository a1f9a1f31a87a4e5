// Package matrix is the chat-bot front-end of relay-gateway.
//
// Every Matrix room the operator talks in is one registry client with id
// "matrix:<roomID>". A room with no session is put on the configured default
// session when its first message arrives. Lines starting with the command
// prefix ("!" unless configured) manage sessions instead of being sent:
//
//	!help  !new [name]  !switch <name>  !list
//	!rename <title>  !archive [name]  !history [n]  !status
//
// Only users in allowed_users are served. Events older than the bot's start
// and events the homeserver delivers twice are ignored.
package matrix
