// Package eventbus is a small keyed publish/subscribe abstraction.
//
// Events carry a key and positional filter fields. Subscribers select by key
// and fields, optionally treating Wildcard ("#") as match-any. The memory
// driver fans out in-process; the NATS, Redis and RabbitMQ drivers map
// key.field... onto their native subject syntax and re-check fields on
// receipt.
package eventbus
