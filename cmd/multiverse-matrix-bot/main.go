// Copyright 2024-2026 Bacchist
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command multiverse-matrix-bot is a Matrix chat bot that keeps per-room
// transcripts, archives shared links as Markdown, holds autonomous
// conversations through an OpenAI-compatible API, and announces new arXiv
// papers to a configured room.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.mau.fi/util/exerrors"
	flag "maunium.net/go/mauflag"

	"github.com/bacchist/multiverse-matrix-bot/pkg/arxiv"
	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
	"github.com/bacchist/multiverse-matrix-bot/pkg/bot"
	"github.com/bacchist/multiverse-matrix-bot/pkg/chatlog"
	"github.com/bacchist/multiverse-matrix-bot/pkg/crawler"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const version = "0.1.0"

var (
	configPath         = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("e", "generate-config", "Write the example config to the config path and exit", "false").Bool()
	showVersion        = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		"multiverse-matrix-bot - a Matrix bot for chat logging, link archiving and paper posting",
		"multiverse-matrix-bot [-c config.yaml] [-e] [-v]")
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	}
	if *wantHelp {
		flag.PrintHelp()
		return
	}
	if *showVersion {
		fmt.Printf("multiverse-matrix-bot %s (%s, commit %s, built %s)\n", version, Tag, Commit, BuildTime)
		return
	}
	if *writeExampleConfig {
		if err := os.WriteFile(*configPath, []byte(bot.ExampleConfig), 0o600); err != nil {
			fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(2)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := bot.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(2)
	}

	log := exerrors.Must(cfg.Logging.Compile())
	log.Info().
		Str("version", version).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Initializing multiverse-matrix-bot")

	transcripts, err := chatlog.New(cfg.ChatLogDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up chat logger")
	}
	defer transcripts.Close()

	links, err := crawler.New(cfg.Crawler, *log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up link archiver")
	}
	chat := autochat.New(cfg.AutoChat, cfg.UserID, *log)

	b, err := bot.New(cfg, *log, transcripts, links, chat)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bot")
	}
	b.AttachPoster(arxiv.NewPoster(cfg.ArXiv, b, *log))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Sync loop terminated")
	}
	log.Info().Msg("Shutting down")
}
