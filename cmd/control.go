package cmd

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/netcore/internal/command"
)

const controlTimeout = 10 * time.Second

// groupCmd represents the group command group
var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage multicast group membership on a running daemon",
	Long: `Manage IGMP and MLD group membership on the running netcore daemon.

Subcommands:
  join   - Join a group on a device
  leave  - Leave a group on a device
  list   - List the groups joined on a device`,
}

var groupJoinCmd = &cobra.Command{
	Use:   "join <device> <group>",
	Short: "Join a multicast group",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGroupOp(cmd.Context(), newClient(), "join", args[0], args[1], os.Stdout); err != nil {
			exitWithError("group join failed", err)
		}
	},
}

var groupLeaveCmd = &cobra.Command{
	Use:   "leave <device> <group>",
	Short: "Leave a multicast group",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGroupOp(cmd.Context(), newClient(), "leave", args[0], args[1], os.Stdout); err != nil {
			exitWithError("group leave failed", err)
		}
	},
}

var groupListCmd = &cobra.Command{
	Use:   "list <device>",
	Short: "List joined multicast groups",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := runGroupList(cmd.Context(), newClient(), args[0], os.Stdout); err != nil {
			exitWithError("group list failed", err)
		}
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo <device> <destination>",
	Short: "Send an echo request from a running daemon",
	Long: `Ask the running daemon to send an ICMP or ICMPv6 echo request. Replies
are logged by the daemon.

Examples:
  netcore echo eth0 10.0.0.1 --id 1 --seq 1`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dst, err := netip.ParseAddr(args[1])
		if err != nil {
			exitWithError("invalid destination", err)
		}
		params := command.EchoParams{Device: args[0], Dst: dst, ID: echoID, Seq: echoSeq, Data: echoData}
		if err := withTimeout(cmd.Context(), func(ctx context.Context) error {
			return newClient().SendEcho(ctx, params)
		}); err != nil {
			exitWithError("echo failed", err)
		}
		fmt.Printf("echo request sent to %s via %s\n", dst, args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and counters",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runStatus(cmd.Context(), newClient(), os.Stdout); err != nil {
			exitWithError("failed to query status", err)
		}
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the daemon configuration",
	Run: func(cmd *cobra.Command, args []string) {
		if err := withTimeout(cmd.Context(), newClient().Reload); err != nil {
			exitWithError("reload failed", err)
		}
		fmt.Println("configuration reloaded")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Run: func(cmd *cobra.Command, args []string) {
		if err := withTimeout(cmd.Context(), newClient().Shutdown); err != nil {
			exitWithError("stop failed", err)
		}
		fmt.Println("daemon stopping")
	},
}

var (
	echoID   uint16
	echoSeq  uint16
	echoData string
)

func init() {
	groupCmd.AddCommand(groupJoinCmd)
	groupCmd.AddCommand(groupLeaveCmd)
	groupCmd.AddCommand(groupListCmd)

	echoCmd.Flags().Uint16Var(&echoID, "id", 1, "echo identifier")
	echoCmd.Flags().Uint16Var(&echoSeq, "seq", 1, "echo sequence number")
	echoCmd.Flags().StringVar(&echoData, "payload", "netcore", "echo data")
}

// controlClient is the part of the control client the commands use.
type controlClient interface {
	JoinGroup(ctx context.Context, device string, group netip.Addr) error
	LeaveGroup(ctx context.Context, device string, group netip.Addr) error
	Groups(ctx context.Context, device string) ([]netip.Addr, error)
	Status(ctx context.Context) (command.Status, time.Duration, error)
}

func newClient() *command.UDSClient {
	return command.NewUDSClient(socketPath, controlTimeout)
}

func withTimeout(parent context.Context, fn func(context.Context) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, controlTimeout)
	defer cancel()
	return fn(ctx)
}

func runGroupOp(ctx context.Context, c controlClient, op, device, group string, out io.Writer) error {
	addr, err := netip.ParseAddr(group)
	if err != nil {
		return fmt.Errorf("invalid group: %w", err)
	}
	return withTimeout(ctx, func(ctx context.Context) error {
		switch op {
		case "join":
			err = c.JoinGroup(ctx, device, addr)
		case "leave":
			err = c.LeaveGroup(ctx, device, addr)
		default:
			return fmt.Errorf("unknown group operation %q", op)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "✓ %s %s on %s\n", op, addr, device)
		return nil
	})
}

func runGroupList(ctx context.Context, c controlClient, device string, out io.Writer) error {
	return withTimeout(ctx, func(ctx context.Context) error {
		groups, err := c.Groups(ctx, device)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Fprintf(out, "%s: no groups joined\n", device)
			return nil
		}
		for _, g := range groups {
			fmt.Fprintf(out, "%s\t%s\n", device, g)
		}
		return nil
	})
}

func runStatus(ctx context.Context, c controlClient, out io.Writer) error {
	return withTimeout(ctx, func(ctx context.Context) error {
		st, uptime, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "uptime:          %s\n", uptime)
		fmt.Fprintf(out, "devices:         %v\n", st.Devices)
		fmt.Fprintf(out, "frames received: %d\n", st.Received)
		fmt.Fprintf(out, "frames sent:     %d\n", st.Sent)
		fmt.Fprintf(out, "send errors:     %d\n", st.SendErrors)
		fmt.Fprintf(out, "timers fired:    %d\n", st.TimersFired)
		return nil
	})
}
