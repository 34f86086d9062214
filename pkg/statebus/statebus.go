// Package statebus moves completed evidence (traces and their artifacts)
// over Kafka so downstream auditors can consume them independently of the
// gateway's HTTP surface.
package statebus

import "context"

type Message struct {
	Key   []byte
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}
