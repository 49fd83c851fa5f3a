package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dense-identity/callfwd/internal/api"
	"github.com/dense-identity/callfwd/internal/carrier"
	"github.com/dense-identity/callfwd/internal/config"
	"github.com/dense-identity/callfwd/internal/dialer"
	"github.com/dense-identity/callfwd/internal/eventbridge"
	"github.com/dense-identity/callfwd/internal/forwarding"
	"github.com/dense-identity/callfwd/internal/store"
	"github.com/dense-identity/callfwd/internal/verify"
)

const healthService = "callfwd.Forwarding"

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Printf("No env file loaded: %v", err)
	}
	cfg, err := config.New[config.Forwarding]()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	kv, err := store.Open(ctx, cfg.StoreOptions())
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer kv.Close()

	bridge := eventbridge.New()
	if cfg.EventsChannel != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUser,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rc.Close()
		mirror, err := eventbridge.NewRedisMirror(bridge, rc, cfg.EventsChannel)
		if err != nil {
			log.Fatalf("Failed to start event mirror: %v", err)
		}
		defer mirror.Close()
	}

	sip := dialer.NewBaresip(cfg.BaresipAddr, cfg.Verbose)
	if err := sip.Connect(); err != nil {
		// Toggles fail with "cannot open dialer" until baresip is reachable.
		log.Printf("Baresip unavailable: %v", err)
	}
	defer sip.Close()

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	evaluator := verify.NewHeuristic(rand.NewSource(seed), verify.WithForceSuccess(cfg.ForceSuccess))

	broker := forwarding.NewBroker(func(p forwarding.Prompt) {
		fmt.Printf("\n[Prompt %s] %s: %s (%v)\n", p.ID, p.Title, p.Message, p.Choices)
	})

	codes := carrier.NewTable(cfg.Number)
	ctrl, err := forwarding.NewController(ctx, cfg.ControllerConfig(), forwarding.Deps{
		Codes:     codes,
		Dialer:    sip,
		Store:     kv,
		Bridge:    bridge,
		Prompter:  broker,
		Evaluator: evaluator,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	defer ctrl.Close()

	// HTTP control surface
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewRouter(api.NewServer(ctrl, bridge, broker, codes)),
	}
	go func() {
		log.Printf("HTTP server listening at %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP serve error: %v", err)
		}
	}()

	// gRPC health service
	addr := cfg.GRPCAddr
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", addr, err)
	}
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	go watchHealth(ctx, ctrl, hs)
	go func() {
		log.Printf("gRPC health server listening at %s", addr)
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC serve error: %v", err)
		}
	}()

	log.Println("===== Forwarding Daemon Started =====")
	log.Printf("  Number:  %s", codes.Number())
	log.Printf("  Carrier: %s", cfg.CarrierID)
	log.Printf("  Store:   %s", cfg.StoreBackend)
	log.Printf("  Baresip: %s", cfg.BaresipAddr)
	log.Println("=====================================")
	log.Println("")
	printHelp()

	go commandLoop(ctrl, bridge, broker, stop)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
	hs.Shutdown()
	grpcServer.GracefulStop()
	log.Println("Forwarding daemon stopped")
}

// watchHealth mirrors Controller.Healthy into the gRPC health service.
func watchHealth(ctx context.Context, ctrl *forwarding.Controller, hs *health.Server) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	last := healthpb.HealthCheckResponse_UNKNOWN
	for {
		status := healthpb.HealthCheckResponse_NOT_SERVING
		if ctrl.Healthy() {
			status = healthpb.HealthCheckResponse_SERVING
		}
		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(healthService, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printHelp() {
	log.Println("Commands:")
	log.Println("  toggle                - Turn forwarding on/off")
	log.Println("  status                - Show forwarding state")
	log.Println("  check                 - Run a status check now")
	log.Println("  carrier <id>          - Use another carrier's codes")
	log.Println("  fg | bg               - Simulate app foreground/background")
	log.Println("  show | hide           - Show/hide the forwarding surface (poller)")
	log.Println("  prompts               - List pending prompts")
	log.Println("  answer <id> <choice>  - Answer a prompt")
	log.Println("  quit                  - Exit")
	log.Println("")
}

// commandLoop reads commands from stdin
func commandLoop(ctrl *forwarding.Controller, bridge *eventbridge.Bridge, broker *forwarding.Broker, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := parts[0]

		switch cmd {
		case "toggle":
			ctrl.Toggle()
			printState(ctrl.State())

		case "status":
			printState(ctrl.State())

		case "check":
			ctrl.Poller().CheckNow()
			printState(ctrl.State())

		case "carrier":
			if len(parts) < 2 {
				fmt.Println("Usage: carrier <id>")
				continue
			}
			ctrl.SetCarrier(parts[1])
			fmt.Printf("Carrier: %s\n", ctrl.State().CarrierID)

		case "fg":
			bridge.SetForeground(true)
		case "bg":
			bridge.SetForeground(false)

		case "show":
			ctrl.Poller().Start()
		case "hide":
			ctrl.Poller().Stop()

		case "prompts":
			pending := broker.Pending()
			if len(pending) == 0 {
				fmt.Println("No pending prompts")
				continue
			}
			for _, p := range pending {
				fmt.Printf("  - %s: %s %v\n", p.ID, p.Title, p.Choices)
			}

		case "answer":
			if len(parts) < 3 {
				fmt.Println("Usage: answer <prompt_id> <choice>")
				continue
			}
			if err := broker.Answer(parts[1], forwarding.Choice(strings.ToLower(parts[2]))); err != nil {
				fmt.Printf("Answer failed: %v\n", err)
			}

		case "quit", "exit":
			stop()
			return

		case "help":
			printHelp()

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func printState(s forwarding.Snapshot) {
	fmt.Printf("enabled=%v status=%s phase=%s carrier=%s", s.Enabled, s.Status, s.Phase, s.CarrierID)
	if !s.LastChecked.IsZero() {
		fmt.Printf(" lastChecked=%s", s.LastChecked.Format(time.RFC3339))
	}
	if s.ErrorMessage != "" {
		fmt.Printf(" error=%q", s.ErrorMessage)
	}
	if s.Attempt != nil {
		fmt.Printf(" attempt=%s", s.Attempt.ID)
	}
	fmt.Println()
}
