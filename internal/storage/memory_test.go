package storage

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStore_SetGet(t *testing.T) {
	store := NewMemoryStore(0)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	if err := store.Set(ctx, "key", []byte("value")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("Expected value, got %q", got)
	}
	if store.Writes() != 1 {
		t.Errorf("Expected 1 write, got %d", store.Writes())
	}
}

func TestMemoryStore_MaxValueBytes(t *testing.T) {
	store := NewMemoryStore(4)
	defer func() { _ = store.Close() }()

	ctx := context.Background()

	if err := store.Set(ctx, "key", []byte("12345")); !errors.Is(err, ErrValueTooLarge) {
		t.Fatalf("Expected ErrValueTooLarge, got %v", err)
	}
	if store.Writes() != 0 {
		t.Errorf("Expected no writes, got %d", store.Writes())
	}
	if _, err := store.Get(ctx, "key"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected key to stay absent, got %v", err)
	}
}

func TestMemoryStore_WriteError(t *testing.T) {
	store := NewMemoryStore(0)
	defer func() { _ = store.Close() }()

	boom := errors.New("boom")
	store.SetWriteError(boom)

	if err := store.Set(context.Background(), "key", []byte("v")); !errors.Is(err, boom) {
		t.Fatalf("Expected injected error, got %v", err)
	}

	store.SetWriteError(nil)
	if err := store.Set(context.Background(), "key", []byte("v")); err != nil {
		t.Fatalf("Expected write to succeed after clearing error, got %v", err)
	}
}

func TestMemoryCloud_NotifiesOtherDevices(t *testing.T) {
	cloud := NewMemoryCloud(0)
	mac := cloud.Device()
	phone := cloud.Device()
	defer func() { _ = mac.Close() }()
	defer func() { _ = phone.Close() }()

	var macChanges, phoneChanges []Change
	mac.Subscribe(func(c Change) { macChanges = append(macChanges, c) })
	sub := phone.Subscribe(func(c Change) { phoneChanges = append(phoneChanges, c) })

	ctx := context.Background()
	if err := mac.Set(ctx, "snapshot", []byte("one")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if len(macChanges) != 0 {
		t.Errorf("Writer should not be notified of its own write, got %d", len(macChanges))
	}
	if len(phoneChanges) != 1 {
		t.Fatalf("Expected 1 change on phone, got %d", len(phoneChanges))
	}
	if phoneChanges[0].Keys[0] != "snapshot" {
		t.Errorf("Expected key snapshot, got %v", phoneChanges[0].Keys)
	}

	got, err := phone.Get(ctx, "snapshot")
	if err != nil || string(got) != "one" {
		t.Fatalf("Expected phone to read one, got %q (%v)", got, err)
	}

	sub.Cancel()
	if err := mac.Set(ctx, "snapshot", []byte("two")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if len(phoneChanges) != 1 {
		t.Errorf("Expected no delivery after Cancel, got %d", len(phoneChanges))
	}
}

func TestMemoryStore_SynchronizeDeliversUnseenRevisions(t *testing.T) {
	cloud := NewMemoryCloud(0)
	mac := cloud.Device()
	defer func() { _ = mac.Close() }()

	ctx := context.Background()
	if err := mac.Set(ctx, "snapshot", []byte("existing")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// A device that joins later has not seen the existing value yet.
	phone := cloud.Device()
	defer func() { _ = phone.Close() }()

	var changes int
	phone.Subscribe(func(Change) { changes++ })

	if err := phone.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if changes != 1 {
		t.Fatalf("Expected 1 change after Synchronize, got %d", changes)
	}

	if err := phone.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if changes != 1 {
		t.Errorf("Expected no repeat delivery, got %d", changes)
	}

	// The writer never hears about its own value.
	var macChanges int
	mac.Subscribe(func(Change) { macChanges++ })
	if err := mac.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if macChanges != 0 {
		t.Errorf("Expected no self notification, got %d", macChanges)
	}
}

func TestMemoryStore_UnheardChangeStaysUnseen(t *testing.T) {
	cloud := NewMemoryCloud(0)
	mac := cloud.Device()
	phone := cloud.Device()
	defer func() { _ = mac.Close() }()
	defer func() { _ = phone.Close() }()

	ctx := context.Background()

	// The phone is attached but nobody is listening on it yet.
	if err := mac.Set(ctx, "snapshot", []byte("early")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var changes []Change
	phone.Subscribe(func(c Change) { changes = append(changes, c) })

	if err := phone.Synchronize(ctx); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("Expected the unheard change after Synchronize, got %d", len(changes))
	}
	if changes[0].Keys[0] != "snapshot" {
		t.Errorf("Expected snapshot change, got %v", changes[0].Keys)
	}
}
