// Package server implements the relay chat service.
//
// Clients connect over TCP, WebSocket, or SSH, send a display name as their
// first line, receive a welcome line and the recent history, and from then on
// every line they send is rendered as "<name>: <text>", appended to the
// shared History, and broadcast through the Hub to every other session.
//
// The broadcast is lossy: each subscription has a bounded queue and a full
// queue loses messages according to the configured OverflowPolicy instead
// of slowing the publisher. Publishing with no other subscriber is a
// successful broadcast with zero deliveries.
//
// The implementation is organized into files for configuration, the hub, the
// history ring, sessions, transports, and each ingress.
package server
