// Package mqtt publishes SuvFin's operational state to an MQTT broker:
// Home Assistant discovery for a handful of sensors (uptime, version,
// model, tokens and estimated cost today, webhook queue depth), their
// periodic retained state, and the daily LLM cost alert.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects automatically. On every (re-)connect the publisher
// re-sends the retained discovery payloads and an "online" birth
// message; a will message flips availability to "offline" on an
// unexpected disconnect.
package mqtt
