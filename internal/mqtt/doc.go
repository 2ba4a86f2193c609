// Package mqtt is the MQTT chat transport. Each chat has a pair of
// topics under the configured prefix:
//
//	<prefix>/<chat>/in   messages from the user
//	<prefix>/<chat>/out  replies from Mnemon
//
// An inbound payload is either plain UTF-8 text or a JSON object with
// a "text" field. Every chat is its own dispatcher session.
//
// The transport uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it re-subscribes to the inbound filter and publishes a
// retained "online" to <prefix>/availability. A will message turns that
// topic "offline" on unexpected disconnects.
package mqtt
