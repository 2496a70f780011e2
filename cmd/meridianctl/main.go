package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/meridian/pkg/discovery"
	"github.com/cuemby/meridian/pkg/gateway"
	"github.com/cuemby/meridian/pkg/rpc"
	"github.com/cuemby/meridian/pkg/types"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "meridianctl",
	Short:   "meridianctl talks to a meridian cluster's values, multi-maps, topics, and task queues",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringSlice("seeds", []string{"127.0.0.1:7950"}, "Comma-separated list of node RPC addresses to try")

	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(valueCmd)
	rootCmd.AddCommand(multimapCmd)
	rootCmd.AddCommand(topicCmd)
}

// connect dials the first live seed and opens a session on it, mirroring
// cuemby-warren/cmd/warren's client.NewClient(manager)-per-command shape,
// generalized to meridian's multi-seed discovery.
func connect(cmd *cobra.Command) (*gateway.Gateway, error) {
	seeds, _ := cmd.Flags().GetStringSlice("seeds")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return discovery.New().Connect(ctx, seeds)
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage cluster membership",
}

var clusterJoinTokenCmd = &cobra.Command{
	Use:   "join-token [voter|nonvoter]",
	Short: "Generate a join token for a new cluster member",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := args[0]
		if role != "voter" && role != "nonvoter" {
			return fmt.Errorf("role must be 'voter' or 'nonvoter'")
		}
		leader, _ := cmd.Flags().GetString("leader")

		c, err := rpc.Dial(leader)
		if err != nil {
			return fmt.Errorf("failed to connect to leader: %v", err)
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		token, expires, err := c.GenerateJoinToken(ctx, role)
		if err != nil {
			return fmt.Errorf("failed to generate token: %v", err)
		}

		fmt.Printf("Join token for %s:\n\n", role)
		fmt.Printf("    %s\n\n", token)
		fmt.Printf("This token expires at %s.\n", expires.Format(time.RFC3339))
		fmt.Printf("\nTo join a node to the cluster, run:\n")
		fmt.Printf("    meridiand join --leader %s --token %s\n", leader, token)
		return nil
	},
}

func init() {
	clusterCmd.AddCommand(clusterJoinTokenCmd)
	clusterJoinTokenCmd.Flags().String("leader", "127.0.0.1:7950", "Address of the current Raft leader")
}

// Value commands

var valueCmd = &cobra.Command{
	Use:   "value",
	Short: "Read and write Value resources",
}

var valueGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print a Value resource's current payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		v, err := gw.GetValue(ctx, args[0], nil)
		if err != nil {
			return err
		}
		payload, err := v.Get(ctx, types.ReadSequential)
		if err != nil {
			return err
		}
		if payload == nil {
			fmt.Println("<unset>")
			return nil
		}
		fmt.Println(string(payload))
		return nil
	},
}

var valueSetCmd = &cobra.Command{
	Use:   "set KEY PAYLOAD",
	Short: "Set a Value resource's payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ttl, _ := cmd.Flags().GetDuration("ttl")

		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		v, err := gw.GetValue(ctx, args[0], nil)
		if err != nil {
			return err
		}
		if err := v.Set(ctx, []byte(args[1]), ttl, types.WriteAtomic); err != nil {
			return err
		}
		fmt.Printf("✓ %s set\n", args[0])
		return nil
	},
}

func init() {
	valueCmd.AddCommand(valueGetCmd)
	valueCmd.AddCommand(valueSetCmd)
	valueSetCmd.Flags().Duration("ttl", 0, "Eviction TTL (0 disables expiry)")
}

// MultiMap commands

var multimapCmd = &cobra.Command{
	Use:   "multimap",
	Short: "Read and write MultiMap resources",
}

var multimapPutCmd = &cobra.Command{
	Use:   "put NAME KEY VALUE",
	Short: "Add a value under KEY in the MultiMap NAME",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := gw.GetMultiMap(ctx, args[0], nil)
		if err != nil {
			return err
		}
		if err := m.Put(ctx, args[1], args[2], types.WriteAtomic); err != nil {
			return err
		}
		fmt.Printf("✓ %s[%s] += %s\n", args[0], args[1], args[2])
		return nil
	},
}

var multimapGetCmd = &cobra.Command{
	Use:   "get NAME KEY",
	Short: "List the values stored under KEY in the MultiMap NAME",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		m, err := gw.GetMultiMap(ctx, args[0], nil)
		if err != nil {
			return err
		}
		values, err := m.Get(ctx, args[1], types.ReadSequential)
		if err != nil {
			return err
		}
		if len(values) == 0 {
			fmt.Println("<empty>")
			return nil
		}
		fmt.Println(strings.Join(values, "\n"))
		return nil
	},
}

func init() {
	multimapCmd.AddCommand(multimapPutCmd)
	multimapCmd.AddCommand(multimapGetCmd)
}

// Topic commands

var topicCmd = &cobra.Command{
	Use:   "topic",
	Short: "Publish to and listen on Topic resources",
}

var topicPublishCmd = &cobra.Command{
	Use:   "publish NAME MESSAGE",
	Short: "Publish MESSAGE to the Topic NAME",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		t, err := gw.GetTopic(ctx, args[0], nil)
		if err != nil {
			return err
		}
		if err := t.Publish(ctx, []byte(args[1]), types.WriteSequentialEvent); err != nil {
			return err
		}
		fmt.Printf("✓ published to %s\n", args[0])
		return nil
	},
}

var topicListenCmd = &cobra.Command{
	Use:   "listen NAME",
	Short: "Listen on the Topic NAME until interrupted, printing every message received",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gw, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx := context.Background()

		t, err := gw.GetTopic(ctx, args[0], nil)
		if err != nil {
			return err
		}
		if _, err := t.Listen(ctx, func(payload json.RawMessage) {
			fmt.Println(string(payload))
		}); err != nil {
			return err
		}

		fmt.Printf("listening on %s, press Ctrl+C to stop\n", args[0])
		select {}
	},
}

func init() {
	topicCmd.AddCommand(topicPublishCmd)
	topicCmd.AddCommand(topicListenCmd)
}
