// Package server assembles the HTTP server: routes, the middleware chain
// (recovery, request IDs, logging, metrics, event logging, CORS), and
// lifecycle control.
package server
