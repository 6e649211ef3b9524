// shiftwatchctl talks the daemon's line protocol over its Unix socket.
package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var socketPath string

	root := &cobra.Command{
		Use:          "shiftwatchctl",
		Short:        "Control client for the shiftwatch daemon",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/shiftwatch/shiftwatch.sock", "daemon socket path")

	send := func(parts ...string) error {
		reply, err := sendCommand(socketPath, strings.Join(parts, " "))
		if err != nil {
			return err
		}
		fmt.Println(reply)
		if strings.HasPrefix(reply, "ERROR") {
			os.Exit(1)
		}
		return nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the daemon is alive",
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("PING")
			},
		},
		&cobra.Command{
			Use:   "enroll <worker> <descriptor-b64> [name]",
			Short: "Enroll a worker's reference face descriptor",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(append([]string{"ENROLL"}, args...)...)
			},
		},
		&cobra.Command{
			Use:   "checkin <worker> <descriptor-b64>",
			Short: "Open an attendance session",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("CHECKIN", args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "away <worker> <meeting|restroom|other> [text]",
			Short: "Mark the worker as stepped away",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(append([]string{"AWAY"}, args...)...)
			},
		},
		&cobra.Command{
			Use:   "return <worker>",
			Short: "Mark the worker as returned",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("RETURN", args[0])
			},
		},
		&cobra.Command{
			Use:   "checkout <worker>",
			Short: "Close the attendance session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("CHECKOUT", args[0])
			},
		},
		&cobra.Command{
			Use:   "captcha <worker> <answer>",
			Short: "Answer the pending CAPTCHA",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send(append([]string{"CAPTCHA"}, args...)...)
			},
		},
		&cobra.Command{
			Use:   "face <worker> <descriptor-b64>",
			Short: "Complete the pending face re-verification",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("FACE", args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "skip-face <worker>",
			Short: "Decline the pending face re-verification",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("SKIP_FACE", args[0])
			},
		},
		&cobra.Command{
			Use:   "activity <worker>",
			Short: "Report worker activity to the inactivity watchdog",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("ACTIVITY", args[0])
			},
		},
		&cobra.Command{
			Use:   "status <worker>",
			Short: "Print the worker's session state as JSON",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return send("STATUS", args[0])
			},
		},
	)

	return root
}

func sendCommand(socketPath, line string) (string, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("failed to reach daemon at %s: %w", socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprintln(conn, line); err != nil {
		return "", fmt.Errorf("failed to send command: %w", err)
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
