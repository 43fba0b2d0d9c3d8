// Command fretd runs one FRET node: a stabilizing ring-overlay service
// with a TCP transport and an admin HTTP surface.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gotchoices/fret/internal/admin"
	"github.com/gotchoices/fret/internal/route"
	"github.com/gotchoices/fret/internal/service"
	"github.com/gotchoices/fret/internal/transport"
)

func main() {
	var (
		id         = flag.String("id", "", "stable peer identifier (required)")
		addr       = flag.String("addr", ":7946", "TCP listen address for the ring protocol")
		adminAddr  = flag.String("admin-addr", ":7947", "HTTP listen address for the admin surface")
		network    = flag.String("network", "fret", "network name, namespaces protocol identifiers")
		k          = flag.Int("k", 3, "cluster size target")
		m          = flag.Int("m", 4, "successor/predecessor set size per side")
		capacity   = flag.Int("capacity", 256, "Digitree max entries")
		profile    = flag.String("profile", "core", "edge or core")
		bootstraps = flag.String("bootstraps", "", "comma-separated bootstrap peer id=addr pairs")
		stateFile  = flag.String("state-file", "", "optional path to persist/restore the Digitree")
	)
	flag.Parse()

	if *id == "" {
		log.Fatal("fretd: --id is required")
	}

	book := transport.MapAddressBook{}
	var bootstrapIDs []string
	for _, pair := range strings.Split(*bootstraps, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			log.Fatalf("fretd: malformed bootstrap entry %q, want id=addr", pair)
		}
		book[parts[0]] = parts[1]
		bootstrapIDs = append(bootstrapIDs, parts[0])
	}

	tr := transport.New(*id, *network, book)

	svc := service.New(service.Config{
		SelfID:     *id,
		Profile:    service.ProfileByName(*profile),
		K:          *k,
		M:          *m,
		Capacity:   *capacity,
		Bootstraps: bootstrapIDs,
		Now:        time.Now,
	}, tr)

	if *stateFile != "" {
		if n, err := svc.LoadState(*stateFile); err != nil {
			log.Printf("fretd: warm start failed: %v", err)
		} else if n > 0 {
			log.Printf("fretd: warm-started with %d entries from %s", n, *stateFile)
		}
	}

	route.NewServer(svc, tr)
	routeClient := route.NewClient(svc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tr.Listen(ctx, *addr); err != nil {
		log.Fatalf("fretd: listen %s: %v", *addr, err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("fretd: start service: %v", err)
	}
	log.Printf("fretd: node %q listening on %s (admin on %s)", *id, *addr, *adminAddr)

	adminServer := admin.New(svc, routeClient)
	httpServer := &http.Server{Addr: *adminAddr, Handler: adminServer.Handler()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("fretd: admin server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("fretd: shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	svc.Leave(shutdownCtx)
	_ = httpServer.Shutdown(shutdownCtx)
	svc.Stop()
	_ = tr.Close()

	if *stateFile != "" {
		if err := svc.SaveState(*stateFile); err != nil {
			log.Printf("fretd: save state: %v", err)
		}
	}
}
