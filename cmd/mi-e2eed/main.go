// Command mi-e2eed hosts the Facade as a standalone process: it loads
// config, initializes the core, starts the loopback preview server, and
// drives the event poll loop until interrupted. It plays the role the
// server/main.go plays for the room/transport server, but for the
// client-side core: a runnable process wrapping the library the way a real
// host application (desktop shell, mobile bridge) would.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"mi-e2ee/core/internal/coreerr"
	"mi-e2ee/core/internal/facade"
)

// Version is the fixed string reported by the "version" subcommand. It is
// kept separately from the Facade's Version() tuple in facade.go.
const Version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("mi-e2eed %s\n", Version)
		return
	}

	configPath := flag.String("config", "mi-e2ee.ini", "path to the core's INI config file")
	previewAddr := flag.String("preview-addr", "127.0.0.1:0", "loopback address for the attachment preview HTTP server")
	maxEventsPerPoll := flag.Int("max-events", 64, "max_events passed to each poll_events call")
	pollWaitMs := flag.Int("poll-wait-ms", 25000, "wait_ms passed to each poll_events call")
	flag.Parse()

	f := facade.New()
	if err := f.Init(*configPath); err != nil {
		log.Fatalf("[mi-e2eed] init: %v", err)
	}
	log.Printf("[mi-e2eed] core initialized, capabilities=%#x", f.Capabilities())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[mi-e2eed] shutting down...")
		cancel()
	}()

	preview, err := f.PreviewServer()
	if err != nil {
		log.Fatalf("[mi-e2eed] preview server: %v", err)
	}
	go func() {
		if err := preview.Run(ctx, *previewAddr); err != nil {
			log.Printf("[preview] %v", err)
		}
	}()
	log.Printf("[mi-e2eed] preview server listening on %s", *previewAddr)

	runPollLoop(ctx, f, *maxEventsPerPoll, *pollWaitMs)

	f.Shutdown()
	log.Println("[mi-e2eed] stopped")
}

// runPollLoop repeatedly calls PollEvents and logs what comes back, the way
// a host UI's own event loop would before dispatching each Event to its
// presentation layer. It honors wait_ms as a strict upper bound on
// blocking by relying entirely on PollEvents' own ctx-bounded wait; a
// TrustRequired error surfacing here just means a prompt is pending and the
// loop keeps going rather than treating it as fatal.
func runPollLoop(ctx context.Context, f *facade.Facade, maxEvents, waitMs int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		events, err := f.PollEvents(ctx, maxEvents, waitMs)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if coreerr.Is(err, coreerr.KindTrustRequiredServer) || coreerr.Is(err, coreerr.KindTrustRequiredPeer) {
				log.Printf("[mi-e2eed] trust prompt pending, waiting for host to resolve it")
				time.Sleep(time.Second)
				continue
			}
			log.Printf("[mi-e2eed] poll_events: %v", err)
			continue
		}
		for _, ev := range events {
			log.Printf("[event] kind=%v conv=%s from=%s", ev.Kind, ev.ConversationID, ev.FromUsername)
		}
	}
}
