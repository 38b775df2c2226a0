package server

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"kindred/models"
)

// Broadcaster fans change feed events out to connected SSE clients.
type Broadcaster struct {
	sync.RWMutex
	createPostClients map[string]chan models.CreatePostEvent
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		createPostClients: make(map[string]chan models.CreatePostEvent),
	}
}

// Run forwards events from the change feed channel until it closes.
func (b *Broadcaster) Run(eventChan chan interface{}) {
	for event := range eventChan {
		switch e := event.(type) {
		case models.CreatePostEvent:
			b.BroadcastCreatePost(e)
		default:
			// Deletes and edits are picked up on the next page compose
		}
	}
}

func (b *Broadcaster) BroadcastCreatePost(post models.CreatePostEvent) {
	b.RLock()
	defer b.RUnlock()

	for id, client := range b.createPostClients {
		select {
		case client <- post: // Non-blocking send
		default:
			log.Warnf("Client channel full, skipping post for client: %v", id)
		}
	}
}

func (b *Broadcaster) AddClient(key string, createPostClient chan models.CreatePostEvent) {
	b.Lock()
	defer b.Unlock()
	b.createPostClients[key] = createPostClient
	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.createPostClients),
	}).Info("Adding client to broadcaster")
}

func (b *Broadcaster) RemoveClient(key string) {
	b.Lock()
	defer b.Unlock()

	if client, ok := b.createPostClients[key]; ok {
		close(client)
		delete(b.createPostClients, key)
	}

	log.WithFields(log.Fields{
		"key":   key,
		"count": len(b.createPostClients),
	}).Info("Removed client from broadcaster")
}

func (b *Broadcaster) Shutdown() {
	log.Info("Shutting down broadcaster")
	b.Lock()
	defer b.Unlock()
	for _, client := range b.createPostClients {
		close(client)
	}
	b.createPostClients = make(map[string]chan models.CreatePostEvent)
}
