// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command showdown-bot connects a configured account to a Pokémon
// Showdown-compatible server and logs every dispatched event. It is the
// minimal wiring of the client core; real bots replace the logging sink
// with their own handlers.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"

	"github.com/aiku/showdown/pkg/client"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// logSink prints every event the client core delivers.
type logSink struct {
	log zerolog.Logger
}

func (s *logSink) HandleMessage(evt client.Event) {
	s.log.Info().
		Str("room_id", evt.RoomID).
		Str("type", evt.Type).
		Strs("parts", evt.Parts).
		Msg("Message")
}

func (s *logSink) Connected() {
	s.log.Info().Msg("Connected")
}

func (s *logSink) LoginSucceeded(username string) {
	s.log.Info().Str("username", username).Msg("Login succeeded")
}

func (s *logSink) LoginFailed(reason string) {
	s.log.Warn().Str("reason", reason).Msg("Login failed")
}

func (s *logSink) Disconnecting(reason string) {
	s.log.Info().Str("reason", reason).Msg("Disconnecting")
}

func (s *logSink) ServerGroupsChanged(groups []string) {
	s.log.Info().Strs("groups", groups).Msg("Server groups changed")
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	writeExample := flag.Bool("write-example-config", false, "write the example config to stdout and exit")
	flag.Parse()

	if *writeExample {
		exerrors.Must(os.Stdout.WriteString(client.ExampleConfig))
		return
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).Msg("Starting showdown-bot")

	cfg := exerrors.Must(client.LoadConfig(*configPath))
	c := client.New(cfg, &logSink{log: log.With().Str("component", "sink").Logger()}, log)
	c.Connect()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
	c.Close()
}
