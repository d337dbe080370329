// Package dedupe tracks recently handled inbound message IDs.
package dedupe
