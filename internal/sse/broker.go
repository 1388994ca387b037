package sse

import (
	"context"
	"sync"

	"ms-dealroom/internal/models"
)

// Broker manages SSE connections and broadcasts deal events to the clients
// watching each deal room.
type Broker struct {
	// key: deal room ID, value: slice of client channels
	clients     map[string][]chan models.DealEvent
	clientMutex sync.RWMutex
	buffer      int
}

func NewBroker() *Broker {
	return &Broker{
		clients: make(map[string][]chan models.DealEvent),
		buffer:  16,
	}
}

// Subscribe adds a client to the room's events. The channel is closed once ctx is done.
func (b *Broker) Subscribe(ctx context.Context, roomID string) <-chan models.DealEvent {
	clientChan := make(chan models.DealEvent, b.buffer)

	b.clientMutex.Lock()
	b.clients[roomID] = append(b.clients[roomID], clientChan)
	b.clientMutex.Unlock()

	// Remove client when context is done
	go func() {
		<-ctx.Done()
		b.remove(roomID, clientChan)
	}()

	return clientChan
}

// Emit broadcasts evt to the room's subscribers without blocking on slow clients.
func (b *Broker) Emit(evt models.DealEvent) {
	b.clientMutex.RLock()
	defer b.clientMutex.RUnlock()

	for _, clientChan := range b.clients[evt.DealRoomID] {
		select {
		case clientChan <- evt:
		default:
			// Channel buffer full, skip this client for now
		}
	}
}

func (b *Broker) Name() string { return "sse" }

// Publish makes the broker usable as a notification sink in single-instance setups.
func (b *Broker) Publish(_ context.Context, events ...models.DealEvent) error {
	for _, evt := range events {
		b.Emit(evt)
	}
	return nil
}

func (b *Broker) remove(roomID string, clientChan chan models.DealEvent) {
	b.clientMutex.Lock()
	defer b.clientMutex.Unlock()

	clients := b.clients[roomID]
	for i, ch := range clients {
		if ch == clientChan {
			b.clients[roomID] = append(clients[:i], clients[i+1:]...)
			close(clientChan)
			break
		}
	}

	// Clean up map entry if no more clients
	if len(b.clients[roomID]) == 0 {
		delete(b.clients, roomID)
	}
}

// ClientCount returns the number of clients currently subscribed to a deal room.
func (b *Broker) ClientCount(roomID string) int {
	b.clientMutex.RLock()
	defer b.clientMutex.RUnlock()
	return len(b.clients[roomID])
}
