package stores_test

import (
	"context"
	"fmt"
	"log"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/stores"
	"github.com/openfroyo/warden/pkg/types"
)

// ExampleSQLiteStore_ListEvents stores a published event and reads it back.
func ExampleSQLiteStore_ListEvents() {
	ctx := context.Background()
	store, err := stores.Open(ctx, stores.Config{Path: stores.MemoryPath})
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	bus, _ := events.New(8)
	uuid := types.NewInstanceUUID()
	event := bus.Send(types.NewStateTransitionEvent(uuid, "lobby", types.InstanceStateRunning, types.CausedBySystem()))
	if _, err := store.AppendEvent(ctx, event); err != nil {
		log.Fatal(err)
	}

	stored, err := store.ListEvents(ctx, stores.EventQuery{Instance: &uuid})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(stored), stored[0].Details)
	// Output: 1 instance lobby is now running
}
