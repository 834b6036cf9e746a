package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/abshkbh/qalloc/pkg/config"
	"github.com/abshkbh/qalloc/pkg/qubit"
	"github.com/abshkbh/qalloc/pkg/server"
)

var (
	client *apiClient
)

// parseIDs parses a comma separated id list such as "0,3,4".
func parseIDs(s string) ([]qubit.ID, error) {
	if strings.TrimSpace(s) == "" {
		return []qubit.ID{}, nil
	}
	fields := strings.Split(s, ",")
	ids := make([]qubit.ID, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("invalid qubit id %q: %w", f, err)
		}
		ids = append(ids, qubit.ID(n))
	}
	return ids, nil
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	log.Info(string(data))
	return nil
}

func createPool(ctx *cli.Context) error {
	allocatorConfig := config.DefaultAllocatorConfig()
	if path := ctx.String("allocator-config"); path != "" {
		cfg, err := config.GetAllocatorConfig(path)
		if err != nil {
			return fmt.Errorf("failed to get allocator config: %w", err)
		}
		allocatorConfig = *cfg
	}
	if ctx.IsSet("policy") {
		allocatorConfig.Policy = ctx.String("policy")
	}
	if ctx.IsSet("capacity") {
		allocatorConfig.Capacity = ctx.Int("capacity")
	}
	if ctx.IsSet("grow") {
		allocatorConfig.MayExtendCapacity = ctx.Bool("grow")
	}

	var stats server.PoolStats
	req := server.CreatePoolRequest{Allocator: &allocatorConfig}
	if err := client.do(ctx.Context, "POST", "/pools", req, &stats); err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	log.Infof("created pool: %s", stats.ID)
	return printJSON(stats)
}

func countCommand(name, usage, suffix string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			poolFlag(),
			&cli.IntFlag{
				Name:    "count",
				Aliases: []string{"n"},
				Usage:   "Number of qubits",
				Value:   1,
			},
		},
		Action: func(ctx *cli.Context) error {
			var resp server.IDsResponse
			req := server.CountRequest{Count: ctx.Int("count")}
			if err := client.do(ctx.Context, "POST", poolPath(ctx.String("pool"), suffix), req, &resp); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
			return printJSON(resp)
		},
	}
}

func idsCommand(name, usage, suffix string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{
			poolFlag(),
			&cli.StringFlag{
				Name:     "ids",
				Aliases:  []string{"q"},
				Usage:    "Comma separated qubit ids",
				Required: true,
			},
		},
		Action: func(ctx *cli.Context) error {
			ids, err := parseIDs(ctx.String("ids"))
			if err != nil {
				return err
			}
			var stats server.PoolStats
			req := server.IDsRequest{IDs: ids}
			if err := client.do(ctx.Context, "POST", poolPath(ctx.String("pool"), suffix), req, &stats); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
			return printJSON(stats)
		},
	}
}

func stackCommand(name, usage, method, suffix string) *cli.Command {
	return &cli.Command{
		Name:  name,
		Usage: usage,
		Flags: []cli.Flag{poolFlag()},
		Action: func(ctx *cli.Context) error {
			var stats server.PoolStats
			if err := client.do(ctx.Context, method, poolPath(ctx.String("pool"), suffix), nil, &stats); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
			return printJSON(stats)
		},
	}
}

func poolFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "pool",
		Aliases:  []string{"p"},
		Usage:    "Pool handle returned by create",
		Required: true,
	}
}

func main() {
	app := &cli.App{
		Name:  "qalloc-client",
		Usage: "A CLI for managing qubit allocator pools",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "./config.yaml",
			},
		},
		Before: func(ctx *cli.Context) error {
			configPath := ctx.String("config")
			clientConfig, err := config.GetClientConfig(configPath)
			if err != nil {
				return fmt.Errorf("failed to get client config: %w", err)
			}
			log.Infof("client config: %v", clientConfig)

			client = newAPIClient(clientConfig.ServerHost, clientConfig.ServerPort)
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Create a pool",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "allocator-config",
						Usage: "Config file whose qalloc.allocator section configures the pool",
					},
					&cli.StringFlag{
						Name:  "policy",
						Usage: "Allocation policy: freelist or restricted",
					},
					&cli.IntFlag{
						Name:  "capacity",
						Usage: "Initial capacity",
					},
					&cli.BoolFlag{
						Name:  "grow",
						Usage: "Allow the pool to double its capacity on demand",
					},
				},
				Action: createPool,
			},
			{
				Name:  "list-all",
				Usage: "List all pools",
				Action: func(ctx *cli.Context) error {
					var resp server.ListPoolsResponse
					if err := client.do(ctx.Context, "GET", "/pools", nil, &resp); err != nil {
						return fmt.Errorf("failed to list pools: %w", err)
					}
					return printJSON(resp)
				},
			},
			{
				Name:  "list",
				Usage: "Show pool stats",
				Flags: []cli.Flag{poolFlag()},
				Action: func(ctx *cli.Context) error {
					var stats server.PoolStats
					if err := client.do(ctx.Context, "GET", poolPath(ctx.String("pool"), ""), nil, &stats); err != nil {
						return fmt.Errorf("failed to get pool: %w", err)
					}
					return printJSON(stats)
				},
			},
			{
				Name:  "destroy",
				Usage: "Delete a pool",
				Flags: []cli.Flag{poolFlag()},
				Action: func(ctx *cli.Context) error {
					if err := client.do(ctx.Context, "DELETE", poolPath(ctx.String("pool"), ""), nil, nil); err != nil {
						return fmt.Errorf("failed to delete pool: %w", err)
					}
					log.Infof("successfully deleted pool: %s", ctx.String("pool"))
					return nil
				},
			},
			{
				Name:  "destroy-all",
				Usage: "Delete all pools",
				Action: func(ctx *cli.Context) error {
					var resp server.DeleteAllResponse
					if err := client.do(ctx.Context, "DELETE", "/pools", nil, &resp); err != nil {
						return fmt.Errorf("failed to delete all pools: %w", err)
					}
					log.Infof("deleted %d pools", resp.Deleted)
					return nil
				},
			},
			countCommand("allocate", "Allocate qubits", "/allocate"),
			countCommand("borrow", "Borrow qubits", "/borrow"),
			idsCommand("release", "Release qubits", "/release"),
			idsCommand("return", "Return borrowed qubits", "/return"),
			idsCommand("disable", "Permanently disable qubits", "/disable"),
			{
				Name:  "push-frame",
				Usage: "Enter an operation scope",
				Flags: []cli.Flag{
					poolFlag(),
					&cli.StringFlag{
						Name:    "args",
						Aliases: []string{"a"},
						Usage:   "Comma separated argument qubit ids",
					},
				},
				Action: func(ctx *cli.Context) error {
					args, err := parseIDs(ctx.String("args"))
					if err != nil {
						return err
					}
					var stats server.PoolStats
					req := server.FrameRequest{Args: args}
					if err := client.do(ctx.Context, "POST", poolPath(ctx.String("pool"), "/frames"), req, &stats); err != nil {
						return fmt.Errorf("failed to push frame: %w", err)
					}
					return printJSON(stats)
				},
			},
			stackCommand("pop-frame", "Leave the current operation scope", "DELETE", "/frames"),
			{
				Name:  "exclusion",
				Usage: "Show the current and parent exclusion sets",
				Flags: []cli.Flag{poolFlag()},
				Action: func(ctx *cli.Context) error {
					var resp server.ExclusionResponse
					if err := client.do(ctx.Context, "GET", poolPath(ctx.String("pool"), "/exclusion"), nil, &resp); err != nil {
						return fmt.Errorf("failed to get exclusion sets: %w", err)
					}
					return printJSON(resp)
				},
			},
			stackCommand("start-area", "Open a reuse area", "POST", "/areas"),
			stackCommand("next-segment", "Start the next reuse segment", "POST", "/areas/segments"),
			stackCommand("end-area", "Close the innermost reuse area", "DELETE", "/areas"),
		},
	}

	err := app.RunContext(context.Background(), os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
