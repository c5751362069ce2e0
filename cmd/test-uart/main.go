// Command test-uart is a manual test for writes to the UART TX
// characteristic. It connects to a peripheral, waits for streaming and
// sends one line of text.
//
// Usage:
//
//	go run ./cmd/test-uart --device AA:BB:CC:DD:EE:FF [--text hello] [--simulate]
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/chaz8081/blemotion/internal/ble"
	"github.com/chaz8081/blemotion/internal/ble/sim"
)

func main() {
	address := flag.String("device", sim.DefaultPeripheral.Address, "peripheral address")
	text := flag.String("text", "Hello from blemotion!\n", "text to write")
	simulate := flag.Bool("simulate", false, "use a simulated peripheral")
	flag.Parse()

	var adapter ble.Adapter = ble.NewTinyGoAdapter()
	if *simulate {
		adapter = sim.New(sim.Options{})
	}

	streaming := make(chan struct{})
	var once bool
	handler := ble.HandlerFunc(func(ev ble.Event) {
		switch ev.Kind {
		case ble.EventStateChanged:
			fmt.Printf("state: %s\n", ev.State)
			if ev.State == ble.StateStreaming && !once {
				once = true
				close(streaming)
			}
		case ble.EventError:
			fmt.Printf("error: %v\n", ev.Err)
		}
	})

	coord := ble.NewCoordinator(adapter, ble.AllowAll, handler, ble.DefaultSessionOptions())
	defer coord.Close(context.Background())

	session, err := coord.Connect(ble.Peripheral{Address: *address})
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	select {
	case <-streaming:
	case <-session.Done():
		fmt.Println("Session ended before streaming")
		return
	case <-time.After(30 * time.Second):
		fmt.Println("Timed out waiting for streaming")
		return
	}

	fmt.Printf("Writing %q...\n", *text)
	if err := session.WriteUART([]byte(*text)); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	// Writes complete asynchronously; give failures a moment to surface.
	time.Sleep(500 * time.Millisecond)
	fmt.Println("\nDone!")
}
