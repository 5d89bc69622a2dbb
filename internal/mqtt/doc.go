// Package mqtt makes the guardian visible in Home Assistant as an MQTT
// discovery device. It publishes the guardian mode as a select entity
// whose command topic switches the mode, sensors for health, open
// alerts, memory cache size, and uptime, and a binary sensor per
// guardian module.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// On every (re-)connect the publisher sends retained discovery
// payloads, a birth message on the availability topic, and
// re-subscribes to the mode command topic. A will message flips the
// availability topic to "offline" on unexpected disconnects.
package mqtt
