package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/satriahrh/duplexvoice/domain/entities"
	"github.com/satriahrh/duplexvoice/internal/duplex"
)

// printingStore echoes every committed turn to the console before persisting it
type printingStore struct {
	duplex.Store

	mu  sync.Mutex
	out io.Writer
}

func newPrintingStore(store duplex.Store, out io.Writer) *printingStore {
	return &printingStore{Store: store, out: out}
}

func (p *printingStore) SaveMessage(ctx context.Context, conversationID string, role entities.MessageRole, content string) error {
	speaker := "Assistant"
	if role == entities.MessageRoleUser {
		speaker = "You"
	}

	p.mu.Lock()
	fmt.Fprintf(p.out, "%s: %s\n", speaker, content)
	p.mu.Unlock()

	return p.Store.SaveMessage(ctx, conversationID, role, content)
}
