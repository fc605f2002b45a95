package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"chatcore/pkg/logger"
)

const bridgeChannel = "chatcore:events"

type bridgeMessage struct {
	Origin  string          `json:"origin"`
	Target  Target          `json:"target"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge transports Dispatcher emissions across process boundaries via
// Redis Pub/Sub, so Room Router delivery keeps working if the Lifecycle
// Engine and the sessions holding a room's members end up in different
// processes. Still one logical server instance; there is no federation
// across independently-addressed clusters.
type RedisBridge struct {
	client *goredis.Client
	local  Dispatcher
	log    *logger.Logger
	origin string

	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewRedisBridge(client *goredis.Client, local Dispatcher, log *logger.Logger) *RedisBridge {
	return &RedisBridge{client: client, local: local, log: log, origin: uuid.NewString()}
}

// Emit delivers locally first, then best-effort republishes so subscribers
// in other processes can deliver to their own local sessions. A publish
// failure is logged and swallowed; it never blocks the in-process delivery
// that already happened.
func (b *RedisBridge) Emit(target Target, event string, payload interface{}) error {
	if err := b.local.Emit(target, event, payload); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	msg, err := json.Marshal(bridgeMessage{Origin: b.origin, Target: target, Event: event, Payload: raw})
	if err != nil {
		return nil
	}
	if pubErr := b.client.Publish(context.Background(), bridgeChannel, msg).Err(); pubErr != nil && b.log != nil {
		b.log.Errorf("redis bridge publish failed: %s", pubErr.Error())
	}
	return nil
}

// Listen subscribes to the bridge channel and redelivers envelopes that
// originated in another process to this process's local sessions only
// (never republishing, so there's no echo loop).
func (b *RedisBridge) Listen(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()

	sub := b.client.Subscribe(ctx, bridgeChannel)
	ch := sub.Channel()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var bm bridgeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
					continue
				}
				if bm.Origin == b.origin {
					continue // already delivered locally by Emit
				}
				var payload interface{} = bm.Payload
				if err := b.local.Emit(bm.Target, bm.Event, payload); err != nil && b.log != nil {
					b.log.Errorf("redis bridge local redelivery failed: %s", err.Error())
				}
			}
		}
	}()
}

func (b *RedisBridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
}
