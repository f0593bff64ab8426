package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/glimte/msb-go/contracts"
	"github.com/glimte/msb-go/messaging"
	"github.com/glimte/msb-go/serialization"
)

// printer writes messages as JSON, one message per write
type printer struct {
	out    io.Writer
	codec  serialization.Codec
	pretty bool

	mu sync.Mutex
}

// Print writes msg. Messages that cannot be rendered are reported inline.
func (p *printer) Print(msg *contracts.Message) {
	data, err := render(msg, p.codec, p.pretty)
	if err != nil {
		data = []byte(fmt.Sprintf("unable to render message %s: %v", msg.ID, err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Write(append(data, '\n'))
}

// render encodes msg as JSON. Payloads of binary codecs are decoded first so
// the output stays readable.
func render(msg *contracts.Message, codec serialization.Codec, pretty bool) ([]byte, error) {
	view := *msg
	if msg.HasPayload() && codec.Name() != (serialization.JSONCodec{}).Name() {
		var payload interface{}
		if err := codec.Unmarshal(msg.Payload, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		view.Payload = contracts.RawPayload(encoded)
	}

	if pretty {
		return json.MarshalIndent(&view, "", "  ")
	}
	return json.Marshal(&view)
}

// listener prints messages of the topics it listens to and, when following
// responses, of the response topics those messages name
type listener struct {
	ctx            context.Context
	bus            *messaging.Bus
	printer        *printer
	followResponse bool
}

func newListener(ctx context.Context, bus *messaging.Bus, out io.Writer, pretty, followResponse bool) *listener {
	return &listener{
		ctx:            ctx,
		bus:            bus,
		printer:        &printer{out: out, codec: bus.Codec(), pretty: pretty},
		followResponse: followResponse,
	}
}

// Listen subscribes to topic unless it is already subscribed
func (l *listener) Listen(topic string) error {
	if l.bus.Channels().IsSubscribed(topic) {
		return nil
	}
	if err := l.bus.Subscribe(l.ctx, topic, l); err != nil {
		return fmt.Errorf("failed to listen to %s: %w", topic, err)
	}
	return nil
}

// HandleMessage implements messaging.MessageHandler
func (l *listener) HandleMessage(msg *contracts.Message, _ messaging.AcknowledgementHandler) {
	if l.followResponse && msg.Topics.Response != "" {
		// a concurrent message may have subscribed first
		_ = l.Listen(msg.Topics.Response)
	}
	l.printer.Print(msg)
}
