// Package bridge connects edges to the rest of the backend over the message
// broker: edge data goes out on the data channel, commands come in on the
// command channel and their replies go out on the replies channel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/edge-gateway/broker"
	"github.com/abdelmounim-dev/edge-gateway/config"
	"github.com/abdelmounim-dev/edge-gateway/gateway"
	"github.com/abdelmounim-dev/edge-gateway/jsonrpc"
	"github.com/abdelmounim-dev/edge-gateway/protocol"
	"github.com/abdelmounim-dev/edge-gateway/subscription"
)

const publishTimeout = 10 * time.Second

// Message kinds on the broker channels.
const (
	KindCommand = "command"
	KindReply   = "reply"
	KindStream  = "stream"
)

// DataMethods are the edge notifications forwarded to the data channel.
var DataMethods = []string{
	jsonrpc.MethodTimestampedData,
	"aggregatedData",
	"resendData",
	jsonrpc.MethodCurrentData,
	jsonrpc.MethodEdgeConfig,
	jsonrpc.MethodLegacyData,
}

// Command asks the gateway to send Request to an edge. Observer is required
// for subscribeSystemLog.
type Command struct {
	RequestID string          `json:"requestId"`
	Observer  string          `json:"observer,omitempty"`
	Request   json.RawMessage `json:"request"`
}

// Reply carries the edge's answer to a Command.
type Reply struct {
	RequestID string            `json:"requestId"`
	Response  *jsonrpc.Response `json:"response"`
}

// StreamDelivery is one stream payload addressed to one observer.
type StreamDelivery struct {
	Observer string          `json:"observer"`
	Payload  json.RawMessage `json:"payload"`
}

type subscribeParams struct {
	Subscribe bool `json:"subscribe"`
}

// Bridge moves traffic between the dispatcher, the gateway and the broker.
type Bridge struct {
	broker   broker.MessageBroker
	gateway  *gateway.Gateway
	mux      *subscription.Multiplexer
	channels config.BrokerChannels
	serverID string
	log      *zap.Logger
	wg       sync.WaitGroup
}

func New(b broker.MessageBroker, gw *gateway.Gateway, mux *subscription.Multiplexer,
	channels config.BrokerChannels, serverID string, log *zap.Logger) *Bridge {
	return &Bridge{
		broker:   b,
		gateway:  gw,
		mux:      mux,
		channels: channels,
		serverID: serverID,
		log:      log,
	}
}

// Register installs the data forwarding and stream fan-out handlers.
func (b *Bridge) Register(d *protocol.Dispatcher) {
	for _, m := range DataMethods {
		d.HandleNotification(m, b.forwardData)
	}
	d.HandleNotification(jsonrpc.MethodSystemLog, func(ctx context.Context, edgeID string, n *jsonrpc.Notification) {
		b.mux.FanOut(ctx, edgeID, n.Params)
	})
}

func (b *Bridge) forwardData(ctx context.Context, edgeID string, n *jsonrpc.Notification) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	err := b.broker.Publish(ctx, b.channels.Data, broker.Message{
		EdgeID:   edgeID,
		ServerID: b.serverID,
		Kind:     n.Method,
		Data:     n.Params,
	})
	if err != nil {
		b.log.Error("Failed to publish edge data", zap.String("edge_id", edgeID),
			zap.String("method", n.Method), zap.Error(err))
	}
}

// Run consumes the command channel until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	messages, err := b.broker.Subscribe(ctx, b.channels.Commands)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channels.Commands, err)
	}
	b.log.Info("Listening for commands", zap.String("channel", b.channels.Commands))

	defer b.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				b.log.Info("Command channel closed")
				return nil
			}
			if !b.accepts(msg) {
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.HandleCommand(ctx, msg)
			}()
		}
	}
}

// accepts reports whether this instance handles msg. Commands addressed to a
// server go to that server only; unaddressed ones to whoever holds the edge.
func (b *Bridge) accepts(msg broker.Message) bool {
	if msg.Kind != "" && msg.Kind != KindCommand {
		return false
	}
	if msg.ServerID != "" {
		return msg.ServerID == b.serverID
	}
	return b.gateway.IsOnline(msg.EdgeID)
}

// HandleCommand executes one command and publishes its reply.
func (b *Bridge) HandleCommand(ctx context.Context, msg broker.Message) {
	log := b.log.With(zap.String("edge_id", msg.EdgeID))

	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		log.Warn("Discarding malformed command", zap.Error(err))
		return
	}
	log = log.With(zap.String("request_id", cmd.RequestID))

	frame, err := jsonrpc.Parse(cmd.Request)
	if err != nil {
		b.reply(ctx, msg.EdgeID, cmd.RequestID, jsonrpc.NewErrorResponse(cmd.RequestID,
			&jsonrpc.Error{Code: jsonrpc.ErrCodeInvalidRequest, Message: err.Error()}))
		return
	}

	switch f := frame.(type) {
	case *jsonrpc.Request:
		if f.Method == jsonrpc.MethodSubscribeSystemLog {
			b.subscribe(ctx, msg.EdgeID, cmd, f)
			return
		}
		b.gateway.SendRequest(ctx, msg.EdgeID, f, func(resp *jsonrpc.Response) {
			// Replies usually arrive on the edge's read loop, which must not wait on the broker.
			go b.reply(context.Background(), msg.EdgeID, cmd.RequestID, resp)
		})
	case *jsonrpc.Notification:
		if err := b.gateway.SendNotification(ctx, msg.EdgeID, f); err != nil {
			log.Warn("Failed to forward notification", zap.String("method", f.Method), zap.Error(err))
		}
	case jsonrpc.LegacyObject:
		// Old firmware answers a command with the messageId it was sent.
		if t := f.Translate(); t.Reply != nil && t.Reply.MessageID.Backend != "" {
			b.gateway.SendLegacy(ctx, msg.EdgeID, t.Reply.MessageID.Backend, f, func(resp *jsonrpc.Response) {
				go b.reply(context.Background(), msg.EdgeID, cmd.RequestID, resp)
			})
			return
		}
		if n := b.gateway.Broadcast(ctx, msg.EdgeID, f); n == 0 {
			log.Debug("Legacy command reached no connection")
		}
	default:
		b.reply(ctx, msg.EdgeID, cmd.RequestID, jsonrpc.NewErrorResponse(cmd.RequestID,
			&jsonrpc.Error{Code: jsonrpc.ErrCodeInvalidRequest, Message: "command must be a request or notification"}))
	}
}

func (b *Bridge) subscribe(ctx context.Context, edgeID string, cmd Command, req *jsonrpc.Request) {
	var p subscribeParams
	if err := json.Unmarshal(req.Params, &p); err != nil || cmd.Observer == "" {
		b.reply(ctx, edgeID, cmd.RequestID, jsonrpc.NewErrorResponse(req.ID,
			&jsonrpc.Error{Code: jsonrpc.ErrCodeInvalidParams, Message: "subscribe flag and observer required"}))
		return
	}

	var err error
	if p.Subscribe {
		err = b.mux.Subscribe(ctx, edgeID, cmd.Observer)
	} else {
		err = b.mux.Unsubscribe(ctx, edgeID, cmd.Observer)
	}

	resp, _ := jsonrpc.NewResult(req.ID, nil)
	if err != nil {
		resp = jsonrpc.NewErrorResponse(req.ID, toRPCError(err))
	}
	b.reply(ctx, edgeID, cmd.RequestID, resp.Answers(req))
}

func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return jsonrpc.Internal(err)
}

func (b *Bridge) reply(ctx context.Context, edgeID, requestID string, resp *jsonrpc.Response) {
	data, err := json.Marshal(Reply{RequestID: requestID, Response: resp})
	if err != nil {
		b.log.Error("Failed to encode reply", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.broker.Publish(ctx, b.channels.Replies, broker.Message{
		EdgeID:   edgeID,
		ServerID: b.serverID,
		Kind:     KindReply,
		Data:     data,
	}); err != nil {
		b.log.Error("Failed to publish reply", zap.String("edge_id", edgeID),
			zap.String("request_id", requestID), zap.Error(err))
	}
}

// StreamSink delivers stream payloads to observers through the broker.
type StreamSink struct {
	broker   broker.MessageBroker
	channel  string
	serverID string
}

func NewStreamSink(b broker.MessageBroker, channel, serverID string) *StreamSink {
	return &StreamSink{broker: b, channel: channel, serverID: serverID}
}

func (s *StreamSink) Deliver(ctx context.Context, observer, edgeID string, payload json.RawMessage) error {
	data, err := json.Marshal(StreamDelivery{Observer: observer, Payload: payload})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return s.broker.Publish(ctx, s.channel, broker.Message{
		EdgeID:   edgeID,
		ServerID: s.serverID,
		Kind:     KindStream,
		Data:     data,
	})
}
