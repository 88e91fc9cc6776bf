package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/philsphicas/devbus/internal/busclient"
	"github.com/spf13/cobra"
)

const defaultBusURL = "ws://localhost:8081/message"

// addClientFlags adds the flags shared by the bus client commands.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", defaultBusURL, "bus endpoint URL")
	cmd.Flags().Duration("timeout", 10*time.Second, "time limit for connecting and waiting on a response")
	cmd.Flags().StringToString("query", nil, "query parameters other peers see through getpeers (key=value)")
}

func broadcastCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broadcast <method> [params-json]",
		Short: "Send a notification to every bus participant",
		Example: `  devbus broadcast reload
  devbus broadcast toast '{"text":"build finished"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runBroadcast,
	}
	addClientFlags(cmd)
	return cmd
}

func callCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <target> <method> [params-json]",
		Short: "Send a request to a bus participant and print the result",
		Long: `Send a request to target and print the JSON result. target is a
ClientId such as client#0, or "server" for the bus's own methods (getid,
getpeers).`,
		Example: `  devbus call server getpeers
  devbus call 'client#0' evaluate '"1+1"'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runCall,
	}
	addClientFlags(cmd)
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join the bus and print every message received, one JSON object per line",
		Args:  cobra.NoArgs,
		RunE:  runWatch,
	}
	addClientFlags(cmd)
	return cmd
}

// parseParams validates an optional JSON params argument.
func parseParams(args []string, i int) (json.RawMessage, error) {
	if len(args) <= i {
		return nil, nil
	}
	raw := json.RawMessage(args[i])
	if !json.Valid(raw) {
		return nil, fmt.Errorf("params must be valid JSON: %q", args[i])
	}
	return raw, nil
}

func dialBus(ctx context.Context, cmd *cobra.Command) (*busclient.Client, error) {
	url := resolveString(cmd, "url", "DEVBUS_URL")
	query, _ := cmd.Flags().GetStringToString("query")
	values := make(map[string][]string, len(query))
	for k, v := range query {
		values[k] = []string{v}
	}
	logLevel, _ := cmd.Flags().GetString("log-level")
	return busclient.Dial(ctx, url, values, newLogger(logLevel))
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args, 1)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := dialBus(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Broadcast(ctx, args[0], params)
}

func runCall(cmd *cobra.Command, args []string) error {
	params, err := parseParams(args, 2)
	if err != nil {
		return err
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	c, err := dialBus(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Call(ctx, args[0], args[1], params)
	if err != nil {
		var re *busclient.ResponseError
		if errors.As(err, &re) {
			return fmt.Errorf("%s %s: %w", args[0], args[1], err)
		}
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(res))
	return err
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	timeout, _ := cmd.Flags().GetDuration("timeout")
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	c, err := dialBus(dialCtx, cmd)
	cancel()
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(cmd.OutOrStdout())
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-c.Notifications():
			if !ok {
				return c.Err()
			}
			if err := enc.Encode(msg); err != nil {
				return err
			}
		}
	}
}
