// Package mysql provides the MySQL-backed stores: customer accounts and
// orders, durable conversation checkpoints, and the embedded schema
// migrations shared with the email outbox.
package mysql
