// Package main implements the blockseal demo: it seals a block, checks it,
// then shows that a tampered copy no longer validates.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/bardlex/blockseal/internal/hashing"
	"github.com/bardlex/blockseal/internal/seal"
	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/log"
)

type options struct {
	Content     string        `long:"content" description:"block content to seal" default:"Jean:coucou;Simon:hey;Yann:hola"`
	Tampered    string        `long:"tampered" description:"content swapped in after sealing" default:"Jean:coucou;Simon:non;Yann:hola"`
	Difficulty  int           `short:"d" long:"difficulty" description:"number of trailing sentinel digits" default:"5"`
	Algorithm   string        `short:"a" long:"algorithm" description:"digest function" default:"md5"`
	Workers     int           `short:"w" long:"workers" description:"parallel search workers" default:"1"`
	MaxAttempts uint64        `long:"max-attempts" description:"give up after this many nonces (0 is unbounded)"`
	Timeout     time.Duration `long:"timeout" description:"give up after this long (0 is unbounded)"`
	LogLevel    string        `long:"log-level" description:"log level" default:"warn"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blockseal: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			_, _ = fmt.Fprintln(stdout, flagsErr.Message)
			return nil
		}
		return err
	}

	oracle, err := hashing.New(opts.Algorithm)
	if err != nil {
		return err
	}

	logger := log.NewWithWriter(stderr, "blockseal", "dev", opts.LogLevel, "text")

	minerOpts := []seal.Option{seal.WithWorkers(opts.Workers), seal.WithLogger(logger)}
	if opts.MaxAttempts > 0 {
		minerOpts = append(minerOpts, seal.WithMaxAttempts(opts.MaxAttempts))
	}
	if opts.Timeout > 0 {
		minerOpts = append(minerOpts, seal.WithTimeout(opts.Timeout))
	}
	svc := sealer.New(seal.NewMiner(oracle, minerOpts...), logger)

	block := seal.NewBlock(opts.Content, opts.Difficulty)
	fmt.Fprintf(stdout, "sealing %q with %s at difficulty %d\n", block.Content, oracle.Name(), block.Difficulty)

	out, err := svc.Seal(ctx, block)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "mining: %s\n", out.Elapsed)
	fmt.Fprintf(stdout, "nonce: %s (difficulty %d, %d attempts)\n", out.Nonce, block.Difficulty, out.Attempts)

	valid, err := svc.Check(ctx, block)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "block %s\n", validity(valid))

	block.Content = opts.Tampered
	valid, err = svc.Check(ctx, block)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "tampered block %q %s\n", block.Content, validity(valid))

	fmt.Fprintf(stdout, "detection probability: %.10g (expected attempts %.0f)\n",
		seal.DetectionProbability(block.Difficulty), seal.ExpectedAttempts(block.Difficulty))
	return nil
}

func validity(valid bool) string {
	if valid {
		return "is valid"
	}
	return "is not valid"
}
