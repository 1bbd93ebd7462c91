package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Duet/internal/adapters/rtc"
	"github.com/dkeye/Duet/internal/client"
	"github.com/dkeye/Duet/internal/config"
	"github.com/dkeye/Duet/internal/domain"
	"github.com/dkeye/Duet/internal/engine"
)

// Headless peer: connects to the relay, prints the assigned identity,
// and takes call commands on stdin.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
		return
	}

	conn, err := client.Dial(ctx, cfg.RelayURL)
	if err != nil {
		log.Error().Err(err).Str("url", cfg.RelayURL).Msg("failed to reach relay")
		return
	}

	eng := engine.NewEngine(conn, rtc.Factory)

	engCtx, engCancel := context.WithCancel(context.Background())
	engDone := make(chan struct{})
	go func() {
		eng.Run(engCtx)
		close(engDone)
	}()
	go conn.Run(ctx, eng.HandleFrame)

	// Session teardown must run even on abrupt shutdown: hang up first,
	// then stop the loop and the transport.
	defer func() {
		hupCtx, hupCancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = eng.Hangup(hupCtx)
		hupCancel()
		engCancel()
		<-engDone
		conn.Close()
	}()

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	fmt.Println("commands: id | call <identity> | hangup | quit")
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			log.Warn().Msg("relay connection lost")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			fields := strings.Fields(line)
			if len(fields) == 0 {
				continue
			}
			switch fields[0] {
			case "id":
				fmt.Println(eng.Identity())
			case "call":
				if len(fields) != 2 {
					fmt.Println("usage: call <identity>")
					continue
				}
				if err := eng.Call(ctx, domain.Identity(fields[1])); err != nil {
					fmt.Println("call failed:", err)
				}
			case "hangup":
				if err := eng.Hangup(ctx); err != nil {
					fmt.Println("hangup failed:", err)
				}
			case "quit":
				return
			default:
				fmt.Println("unknown command:", fields[0])
			}
		}
	}
}
