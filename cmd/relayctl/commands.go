package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gopkg.in/yaml.v3"

	"github.com/cory-johannsen/maprelay/internal/client"
	"github.com/cory-johannsen/maprelay/internal/relay"
)

// connFlags are shared by every command that opens a relay stream.
type connFlags struct {
	endpoint     string
	mapName      string
	connectionID string
	clientType   string
}

func (f *connFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "endpoint",
			Aliases:     []string{"e"},
			Usage:       "WebSocket endpoint of the relay",
			EnvVars:     []string{"RELAYCTL_ENDPOINT"},
			Value:       "ws://localhost:8787/ws",
			Destination: &f.endpoint,
		},
		&cli.StringFlag{
			Name:        "map",
			Aliases:     []string{"m"},
			Usage:       "Map (room) name to join",
			EnvVars:     []string{"RELAYCTL_MAP"},
			Value:       "default",
			Destination: &f.mapName,
		},
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Connection id; generated when empty",
			Destination: &f.connectionID,
		},
		&cli.StringFlag{
			Name:        "client-type",
			Usage:       "Client type reported to the relay",
			Value:       "relayctl",
			Destination: &f.clientType,
		},
	}
}

func (f *connFlags) dial(ctx context.Context, logger *zap.Logger) (*client.Client, error) {
	return client.Dial(ctx, f.endpoint, client.Options{
		MapName:      f.mapName,
		ConnectionID: f.connectionID,
		ClientType:   f.clientType,
	}, logger)
}

func joinCmd(logger func() *zap.Logger) *cli.Command {
	var (
		conn     connFlags
		playerID string
	)
	return &cli.Command{
		Name:  "join",
		Usage: "Join a room, handshake and print every frame received until interrupted",
		Flags: append(conn.flags(), &cli.StringFlag{
			Name:        "player",
			Usage:       "Player id sent with the handshake",
			Destination: &playerID,
		}),
		Action: func(c *cli.Context) error {
			cl, err := conn.dial(c.Context, logger())
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Handshake(c.Context, playerID); err != nil {
				return fmt.Errorf("sending handshake: %w", err)
			}
			return printFrames(c.Context, cl, c.App.Writer, 0)
		},
	}
}

func sendCmd(logger func() *zap.Logger) *cli.Command {
	var (
		conn    connFlags
		msgType string
		data    string
		wait    time.Duration
	)
	return &cli.Command{
		Name:  "send",
		Usage: "Send one message to a room and print the frames received while waiting",
		Flags: append(conn.flags(),
			&cli.StringFlag{
				Name:        "type",
				Aliases:     []string{"t"},
				Usage:       "Message type",
				Required:    true,
				Destination: &msgType,
			},
			&cli.StringFlag{
				Name:        "data",
				Aliases:     []string{"d"},
				Usage:       "JSON payload for the data field",
				Destination: &data,
			},
			&cli.DurationFlag{
				Name:        "wait",
				Usage:       "How long to print incoming frames after sending",
				Value:       time.Second,
				Destination: &wait,
			},
		),
		Action: func(c *cli.Context) error {
			var payload any
			if data != "" {
				var raw json.RawMessage
				if err := json.Unmarshal([]byte(data), &raw); err != nil {
					return fmt.Errorf("--data is not valid JSON: %w", err)
				}
				payload = raw
			}

			cl, err := conn.dial(c.Context, logger())
			if err != nil {
				return err
			}
			defer cl.Close()

			if err := cl.Send(c.Context, msgType, payload); err != nil {
				return err
			}
			return printFrames(c.Context, cl, c.App.Writer, wait)
		},
	}
}

func roomsCmd() *cli.Command {
	var base string
	return &cli.Command{
		Name:  "rooms",
		Usage: "List rooms known to the relay as YAML",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "url",
				Usage:       "HTTP base URL of the relay",
				EnvVars:     []string{"RELAYCTL_URL"},
				Value:       "http://localhost:8787",
				Destination: &base,
			},
		},
		Action: func(c *cli.Context) error {
			rooms, err := fetchRooms(c.Context, http.DefaultClient, base)
			if err != nil {
				return err
			}
			return writeRoomsYAML(c.App.Writer, rooms)
		},
	}
}

func healthCmd() *cli.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)
	return &cli.Command{
		Name:  "health",
		Usage: "Query the relay's gRPC health service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Admin gRPC address",
				EnvVars:     []string{"RELAYCTL_ADMIN_ADDR"},
				Value:       "127.0.0.1:50061",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "service",
				Usage:       "Service name to check; empty checks the whole server",
				Destination: &service,
			},
			&cli.DurationFlag{
				Name:        "timeout",
				Value:       3 * time.Second,
				Destination: &timeout,
			},
		},
		Action: func(c *cli.Context) error {
			ctx, cancel := context.WithTimeout(c.Context, timeout)
			defer cancel()
			status, err := checkHealth(ctx, addr, service)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, status)
			if status != healthpb.HealthCheckResponse_SERVING {
				return cli.Exit("", 2)
			}
			return nil
		},
	}
}

// printFrames writes each received frame as one JSON line. A zero wait prints until ctx ends.
func printFrames(ctx context.Context, cl *client.Client, w io.Writer, wait time.Duration) error {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	for {
		f, err := cl.Next(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, client.ErrClosed) {
				return nil
			}
			return err
		}
		fmt.Fprintln(w, strings.TrimSpace(string(f.Raw)))
	}
}

func fetchRooms(ctx context.Context, hc *http.Client, base string) ([]relay.RoomStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/rooms", nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching rooms: %s", resp.Status)
	}
	var rooms []relay.RoomStatus
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decoding rooms: %w", err)
	}
	return rooms, nil
}

func writeRoomsYAML(w io.Writer, rooms []relay.RoomStatus) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any{"rooms": rooms}); err != nil {
		return fmt.Errorf("encoding rooms: %w", err)
	}
	return enc.Close()
}

func checkHealth(ctx context.Context, addr, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("checking health: %w", err)
	}
	return resp.GetStatus(), nil
}
