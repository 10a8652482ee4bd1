// Package mcp exposes the tool registry to Model Context Protocol clients.
//
// # Transports
//
// Three transports share the same dispatcher:
//
//   - POST /mcp - Streamable HTTP, implemented in this package (Server)
//   - GET /sse + POST /message - legacy SSE, served by mcp-go (SDKServer.SSEHandler)
//   - stdio - newline-delimited JSON-RPC for local clients (SDKServer.ServeStdio)
//
// # Authentication
//
// The HTTP transports resolve the caller from the Authorization header:
//
//	Authorization: Bearer <token>
//
// A missing or unrecognized token never fails the request; the caller simply
// runs as the demo identity and write tools return write_permission_denied.
// On Streamable HTTP the identity is fixed when the session is initialized.
//
// Clients that cannot set headers can use a link token minted for an
// authenticated user:
//
//	POST /mcp/<link-token>
//
// The stdio transport resolves the configured server token once at startup.
//
// # Tool Results
//
// Every tools/call result carries one text content item holding the same JSON
// envelope the REST API returns:
//
//	{"status":"success","result":{...}}
//	{"status":"error","error":"write_permission_denied","message":"..."}
//
// isError is set whenever status is "error".
package mcp
