// Package api implements the gateway's HTTP handlers: proxied backend routes,
// the WebSocket endpoint, the development broadcast hook, and the monitoring
// endpoints backed by the in-memory event logs.
package api
