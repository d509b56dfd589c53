package events_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/warden/pkg/events"
	"github.com/openfroyo/warden/pkg/types"
)

// Example_subscribe shows a console relay following one instance's output.
func Example_subscribe() {
	bus, _ := events.New(16)
	uuid := types.InstanceUUID("2b1f6a40-7c3e-4f7e-9d52-0a8c9e3f1b77")

	rx := bus.Subscribe()

	bus.Send(types.NewStateTransitionEvent(uuid, "lobby", types.InstanceStateStarting, types.CausedBySystem()))
	bus.Send(types.NewInstanceOutputEvent(uuid, "lobby", "Done (1.2s)!"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		e, err := rx.Recv(ctx)
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		inner := e.Inner.Instance.Inner
		switch inner.Type {
		case types.InstanceEventStateTransition:
			fmt.Println("state:", inner.To)
		case types.InstanceEventOutput:
			fmt.Println("output:", inner.Message)
		}
	}

	// Output:
	// state: starting
	// output: Done (1.2s)!
}

// Example_lag shows how a slow receiver learns it missed events.
func Example_lag() {
	bus, _ := events.New(2)
	rx := bus.Subscribe()

	for i := 0; i < 5; i++ {
		bus.Send(types.NewFSEvent(types.FSWrite, fmt.Sprintf("/srv/%d", i), types.CausedBySystem()))
	}

	_, err := rx.Recv(context.Background())
	fmt.Println(err)

	e, _ := rx.Recv(context.Background())
	fmt.Println(e.Inner.FS.Target)

	// Output:
	// receiver lagged behind by 3 events
	// /srv/3
}
