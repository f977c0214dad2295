// Package server assembles the scrape pipeline from configuration and runs
// it: storage and queue backends, the transition gate, captcha coordinator,
// regional worker pools, dispatcher, and the HTTP API.
package server
