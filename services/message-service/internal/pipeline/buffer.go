package pipeline

import (
	"sync"

	"github.com/emis-edu/emis/libs/contracts"
)

// Buffer is the in-memory staging area between message intake and the batch
// flush. Entries leave in the order they arrived; a failed batch goes back
// to the front so redelivery cannot reorder a conversation.
type Buffer struct {
	mu      sync.Mutex
	entries []contracts.SendMessageRequested
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Enqueue(evt contracts.SendMessageRequested) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, evt)
	bufferedEntries.Set(float64(len(b.entries)))
}

// Requeue puts entries back at the front of the buffer, preserving their
// relative order ahead of anything enqueued since they were taken.
func (b *Buffer) Requeue(entries []contracts.SendMessageRequested) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(append([]contracts.SendMessageRequested{}, entries...), b.entries...)
	bufferedEntries.Set(float64(len(b.entries)))
}

// Dequeue removes and returns up to n entries from the front.
func (b *Buffer) Dequeue(n int) []contracts.SendMessageRequested {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.entries) {
		n = len(b.entries)
	}
	if n <= 0 {
		return nil
	}
	batch := append([]contracts.SendMessageRequested{}, b.entries[:n]...)
	b.entries = b.entries[n:]
	bufferedEntries.Set(float64(len(b.entries)))
	return batch
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
