package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/Snider/d4-ingest-server/pkg/ingest"
	"github.com/Snider/d4-ingest-server/pkg/logging"
	"github.com/Snider/d4-ingest-server/pkg/policy"
	"github.com/Snider/d4-ingest-server/pkg/status"
	"github.com/Snider/d4-ingest-server/pkg/store"
	"github.com/Snider/d4-ingest-server/pkg/stream"
)

var (
	listenAddr     string
	certFile       string
	keyFile        string
	hmacDefaultKey string
	acceptedTypes  []int
	storeBackend   string
	storePath      string
	idleTimeout    time.Duration
	statusAddr     string
)

// serveCmd starts the TLS listener and the read-only status service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		log := logging.GetGlobal().WithComponent("bootstrap")

		cap, err := openStore()
		if err != nil {
			fmt.Fprintf(os.Stderr, "store bootstrap failed: %v\n", err)
			os.Exit(1)
		}
		defer cap.Close()

		pol := policy.New(cap)
		str := stream.New(cap)

		types := make([]uint8, 0, len(acceptedTypes))
		for _, t := range acceptedTypes {
			types = append(types, uint8(t))
		}
		if err := pol.Bootstrap(ctx, hmacDefaultKey, types); err != nil {
			fmt.Fprintf(os.Stderr, "policy bootstrap failed: %v\n", err)
			os.Exit(1)
		}

		events := status.NewEventHub(log)

		listener, err := ingest.New(ingest.Config{
			ListenAddr:  listenAddr,
			CertFile:    certFile,
			KeyFile:     keyFile,
			IdleTimeout: idleTimeout,
		}, pol, str, log, events)
		if err != nil {
			fmt.Fprintf(os.Stderr, "listener bootstrap failed: %v\n", err)
			os.Exit(1)
		}

		statusSvc := status.New(statusAddr, listener, listener, log, events)

		go func() {
			if err := statusSvc.ServiceStartup(ctx); err != nil {
				log.Error("status service failed", logging.Fields{"err": err})
			}
		}()

		go func() {
			log.Info("ingestion listener started", logging.Fields{"addr": listenAddr})
			if err := listener.Serve(ctx); err != nil {
				log.Error("listener stopped with error", logging.Fields{"err": err})
				cancel()
			}
		}()

		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-signalChan:
			log.Info("received shutdown signal", nil)
			cancel()
		case <-ctx.Done():
		}

		statusSvc.Stop()
		listener.Close()
		return nil
	},
}

func openStore() (store.Capability, error) {
	switch storeBackend {
	case "memory":
		return store.NewMemory(), nil
	case "sqlite":
		path := storePath
		if path == "" {
			dataDir := filepath.Join(xdg.DataHome, "d4-ingest-server")
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			path = filepath.Join(dataDir, "d4.db")
		}
		return store.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want memory or sqlite)", storeBackend)
	}
}

func parseAcceptedTypes(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid accepted-type value %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":4443", "TLS listen address")
	serveCmd.Flags().StringVar(&certFile, "cert", "", "TLS certificate PEM path")
	serveCmd.Flags().StringVar(&keyFile, "key", "", "TLS private key PEM path")
	serveCmd.Flags().StringVar(&hmacDefaultKey, "hmac-default-key", "private key to change", "server-wide default HMAC key")
	serveCmd.Flags().StringVar(&storeBackend, "store", "memory", "capability store backend: memory or sqlite")
	serveCmd.Flags().StringVar(&storePath, "store-path", "", "sqlite store file path (default: XDG data dir)")
	serveCmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 30*time.Second, "per-connection idle buffer timeout")
	serveCmd.Flags().StringVar(&statusAddr, "status-listen", ":8089", "status/observability HTTP listen address")

	var acceptedTypesRaw string
	serveCmd.Flags().StringVar(&acceptedTypesRaw, "accepted-types", "1,4", "comma-separated accepted message types")
	serveCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		parsed, err := parseAcceptedTypes(acceptedTypesRaw)
		if err != nil {
			return err
		}
		acceptedTypes = parsed
		return nil
	}

	rootCmd.AddCommand(serveCmd)
}
