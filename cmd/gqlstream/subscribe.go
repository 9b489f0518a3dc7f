package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/hanpama/gqlstream/internal/client"
	"github.com/hanpama/gqlstream/internal/logging"
)

func subscribeCmd(g *globalFlags) *cobra.Command {
	var (
		url           string
		query         string
		variables     string
		operationName string
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Run an operation against a server and print its results",
		Long: `Connect with graphql-transport-ws, run one operation and print
every result as a line of JSON until the operation ends or the
command is interrupted.

Examples:
  gqlstream subscribe
  gqlstream subscribe --query 'subscription { somethingChanged { id } }'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := g.setupLogging(cfg); err != nil {
				return err
			}
			req := client.Request{Query: query, OperationName: operationName}
			if variables != "" {
				if err := json.Unmarshal([]byte(variables), &req.Variables); err != nil {
					return errors.NotValidf("--variables %q", variables)
				}
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSubscribe(ctx, url, req, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "ws://localhost:4000/graphql", "Server WebSocket URL")
	cmd.Flags().StringVarP(&query, "query", "q", "subscription { greetings }", "GraphQL document")
	cmd.Flags().StringVar(&variables, "variables", "", "Variables as a JSON object")
	cmd.Flags().StringVar(&operationName, "operation-name", "", "Operation to run")

	return cmd
}

func runSubscribe(ctx context.Context, url string, req client.Request, out io.Writer) error {
	c, err := client.Dial(ctx, url, client.WithLogger(logging.NewLogger("client")))
	if err != nil {
		return err
	}
	defer c.Close()

	enc := json.NewEncoder(out)
	var encErr error
	err = c.Subscribe(ctx, req, client.Handlers{
		Next: func(r client.Result) {
			if encErr == nil {
				encErr = enc.Encode(r)
			}
		},
	})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err != nil {
		var opErr *client.OperationError
		if errors.As(err, &opErr) {
			_ = enc.Encode(client.Result{Errors: opErr.Errors})
			return errors.Annotate(err, "operation failed")
		}
		return err
	}
	return encErr
}
