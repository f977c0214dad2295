// Package scrape holds the core domain types and consumer interfaces shared by
// the orchestration pipeline: jobs and their state graph, queue items and
// leases, captcha events, notifications, and the collaborator contracts
// (repositories, queues, automation sessions, blob stores, publishers).
//
// Implementations live in sibling packages; this package must not import
// database drivers, browser tooling, or transport clients.
package scrape
