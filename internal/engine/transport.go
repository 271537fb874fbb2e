package engine

import (
	"time"

	"github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// Transport delivers encoded messages to the engine process.
type Transport interface {
	Send(payload []byte) error
	Close() error
}

type zmqTransport struct {
	socket   *zmq4.Socket
	endpoint string
}

// DialZMQ connects a PUSH socket to endpoint. A send that cannot be queued
// within sendTimeout fails instead of blocking the pump.
func DialZMQ(endpoint string, sendTimeout time.Duration) (Transport, error) {
	socket, err := zmq4.NewSocket(zmq4.PUSH)
	if err != nil {
		return nil, errors.Wrap(err, "create push socket")
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, errors.Wrap(err, "set linger")
	}
	if sendTimeout > 0 {
		if err := socket.SetSndtimeo(sendTimeout); err != nil {
			_ = socket.Close()
			return nil, errors.Wrap(err, "set send timeout")
		}
	}
	if err := socket.Connect(endpoint); err != nil {
		_ = socket.Close()
		return nil, errors.Wrapf(err, "connect %s", endpoint)
	}
	return &zmqTransport{socket: socket, endpoint: endpoint}, nil
}

func (t *zmqTransport) Send(payload []byte) error {
	if _, err := t.socket.SendBytes(payload, 0); err != nil {
		return errors.Wrapf(err, "send to %s", t.endpoint)
	}
	return nil
}

func (t *zmqTransport) Close() error {
	return t.socket.Close()
}

// Discard drops every message. The dry-run engine uses it.
type Discard struct{}

func (Discard) Send([]byte) error { return nil }
func (Discard) Close() error      { return nil }
