// Package mcp contains the wire-level types of the Message Control Protocol
// surface served by the gateway: the initialization handshake, tool discovery
// and invocation, and the small static resource set. Types follow the MCP
// 2024-11-05 revision used by the HTTP+SSE transport.
package mcp
