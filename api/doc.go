// Package api wires the minionflow HTTP handlers into a router.
//
// # API Overview
//
// The API accepts "low" requests that name a function, its arguments, a
// target and credentials, and hands them to the dispatch engine:
//   - POST /login, POST /logout: issue and revoke tokens
//   - POST /: submit one low or a list of lows; lows without credentials
//     use the request's token
//   - POST /run: like POST / but every low carries its own credentials
//   - GET /jobs, GET /jobs/{jid}: job listing and per-minion results
//   - GET /minions, GET /minions/{id}: responding minions, single ping
//   - GET /events: server-sent events, or a websocket on Upgrade
//   - GET /health, /ready, /version: probes
//
// # Authentication
//
// Tokens travel in the X-Auth-Token header:
//
//	X-Auth-Token: 1f3a...
//
// An Authorization: Bearer header carries either a token or an HS256
// assertion for the "jwt" eauth backend. Event streams also accept
// ?token= because browsers cannot set websocket headers.
//
// # Base URL
//
//	http://localhost:8000
package api
