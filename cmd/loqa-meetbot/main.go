package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-meet/internal/config"
	"github.com/loqalabs/loqa-meet/internal/meetingbot"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-meetbot [-config file] <create|status|list|delete|wait|cleanup|version> [args]"

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if args[0] == "version" {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	client, err := meetingbot.New(cfg.MeetingBot, nil, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, client, args[0], args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New(usage)

func run(ctx context.Context, client *meetingbot.Client, command string, args []string) error {
	switch command {
	case "create":
		fs := flag.NewFlagSet("create", flag.ExitOnError)
		name := fs.String("name", "", "Bot display name")
		wait := fs.Bool("wait", false, "Wait for the bot to join the meeting")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			return fmt.Errorf("create requires a meeting url: %w", errUsage)
		}
		bot, err := client.Create(ctx, fs.Arg(0), *name)
		if err != nil {
			return err
		}
		fmt.Printf("bot %s created (%s)\n", bot.ID, bot.Status())
		if *wait {
			if err := client.WaitForJoin(ctx, bot.ID); err != nil {
				return err
			}
			fmt.Printf("bot %s joined the meeting\n", bot.ID)
		}
		return nil
	case "status":
		id, err := botID(command, args)
		if err != nil {
			return err
		}
		bot, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("bot %s\n  name: %s\n  meeting: %s\n  status: %s\n", bot.ID, bot.BotName, bot.Meeting(), bot.Status())
		return nil
	case "list":
		bots, err := client.List(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("active bots: %d\n", len(bots))
		for _, bot := range bots {
			fmt.Printf("  %s: %s - %s\n", bot.ID, bot.BotName, bot.Status())
		}
		return nil
	case "delete":
		id, err := botID(command, args)
		if err != nil {
			return err
		}
		if err := client.Delete(ctx, id); err != nil {
			return err
		}
		fmt.Printf("bot %s terminated\n", id)
		return nil
	case "wait":
		id, err := botID(command, args)
		if err != nil {
			return err
		}
		if err := client.WaitForJoin(ctx, id); err != nil {
			return err
		}
		fmt.Printf("bot %s joined the meeting\n", id)
		return nil
	case "cleanup":
		removed, err := client.Cleanup(ctx)
		fmt.Printf("removed %d bots\n", removed)
		return err
	default:
		return fmt.Errorf("unknown command %q: %w", command, errUsage)
	}
}

func botID(command string, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("%s requires a bot id: %w", command, errUsage)
	}
	return args[0], nil
}
