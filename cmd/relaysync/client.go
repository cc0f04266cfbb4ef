package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/syncclient"
)

type clientOptions struct {
	baseURL string
	token   string
	timeout time.Duration
}

func (o *clientOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.baseURL, "base-url", stringEnv("RELAYSYNC_BASE_URL", "http://127.0.0.1:8080"), "sync server base URL")
	cmd.Flags().StringVar(&o.token, "token", stringEnv("RELAYSYNC_TOKEN", ""), "bearer token")
	cmd.Flags().DurationVar(&o.timeout, "timeout", durationEnv("RELAYSYNC_CLIENT_TIMEOUT", 15*time.Second), "per-request timeout")
}

func (o *clientOptions) client() (*syncclient.HTTPClient, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, errors.New("token is required (--token or RELAYSYNC_TOKEN)")
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return syncclient.NewHTTPClient(o.baseURL, o.token, &http.Client{Timeout: timeout}), nil
}

func newPullCommand(_ *rootOptions) *cobra.Command {
	var (
		conn           clientOptions
		namespace      string
		clientGroup    string
		stateFile      string
		watch          bool
		interval       time.Duration
		intervalJitter float64
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Sync a local replica of a namespace and print it",
		Long: `Pull a namespace into a local replica and print its key/value view as JSON.
With --watch the replica stays subscribed to /sync/stream and prints the view
after every sync.

Example:
  relaysync pull --namespace todo --state-file ./todo.json
  relaysync pull --namespace diary --watch`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := conn.client()
			if err != nil {
				return err
			}
			replica, err := syncclient.NewReplica(client, syncclient.ReplicaOptions{
				Namespace:     namespace,
				ClientGroupID: clientGroup,
				StateFile:     stateFile,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if err := syncAndPrint(cmd.Context(), replica, conn.timeout, out); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return watchReplica(cmd.Context(), client, replica, conn.timeout, interval, intervalJitter, out)
		},
	}
	conn.register(cmd)
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to replicate (todo, diary, food, ideas)")
	cmd.Flags().StringVar(&clientGroup, "client-group", "", "client group ID")
	cmd.Flags().StringVar(&stateFile, "state-file", "", "replica state file; empty keeps the replica in memory")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing on stream events")
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "fallback sync interval while watching")
	cmd.Flags().Float64Var(&intervalJitter, "interval-jitter", 0.2, "sync interval jitter ratio (0.0-1.0)")
	_ = cmd.MarkFlagRequired("namespace")
	return cmd
}

func newPokeCommand(_ *rootOptions) *cobra.Command {
	var (
		conn   clientOptions
		reason string
	)
	cmd := &cobra.Command{
		Use:          "poke",
		Short:        "Ask every open stream of the token's user to pull",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := conn.client()
			if err != nil {
				return err
			}
			if err := client.Poke(cmd.Context(), reason); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return err
		},
	}
	conn.register(cmd)
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the invalidation")
	return cmd
}

func syncAndPrint(parent context.Context, replica *syncclient.Replica, timeout time.Duration, out io.Writer) error {
	ctx := parent
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, timeout)
		defer cancel()
	}
	if err := replica.SyncOnce(ctx); err != nil {
		return err
	}
	view := map[string]json.RawMessage{}
	for _, key := range replica.Keys("") {
		if value, ok := replica.Get(key); ok {
			view[key] = value
		}
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(view)
}

// watchReplica syncs whenever the stream signals and on a jittered
// interval, so a dropped stream only delays updates.
func watchReplica(ctx context.Context, client *syncclient.HTTPClient, replica *syncclient.Replica, timeout, interval time.Duration, jitter float64, out io.Writer) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	jitter = clampJitterRatio(jitter)
	wake := make(chan struct{}, 1)
	go func() {
		for ctx.Err() == nil {
			err := client.Stream(ctx, func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			})
			if ctx.Err() != nil {
				return
			}
			glog.Warningf("relaysync: stream ended: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-timer.C:
		}
		if err := syncAndPrint(ctx, replica, timeout, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			glog.Warningf("relaysync: sync failed: %v", err)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
