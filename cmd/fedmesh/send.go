package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/fedmesh/transport"
)

func newSendCommand() *cobra.Command {
	var (
		command uint16
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:     "send <ip> <port> <payload>",
		Short:   "Send one request and print the reply",
		Example: `  fedmesh send 127.0.0.1 7400 hello --command 1`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var port uint16
			if _, err := fmt.Sscan(args[1], &port); err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			return runSend(args[0], port, command, []byte(args[2]), timeout)
		},
	}

	cmd.Flags().Uint16Var(&command, "command", 1, "command id of the request")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the reply")
	return cmd
}

func runSend(ip string, port uint16, command uint16, payload []byte, timeout time.Duration) error {
	family := transport.IPv4
	if parsed := net.ParseIP(ip); parsed != nil && parsed.To4() == nil {
		family = transport.IPv6
	}

	opts := transport.NewOptions()
	opts.Logger = log
	node, err := transport.NewNode(opts)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	defer node.Close()

	type result struct {
		status  transport.Status
		command uint16
		payload []byte
	}
	done := make(chan result, 1)

	err = node.Send(ip, port, family, command, payload, timeout, func(status transport.Status, cmd uint16, reply []byte) {
		done <- result{status: status, command: cmd, payload: reply}
	})
	if err != nil {
		return err
	}

	r := <-done
	log.WithFields(logrus.Fields{
		"status":  r.status.String(),
		"command": r.command,
		"size":    len(r.payload),
	}).Debug("Send completed")

	if r.status != transport.StatusSuccess {
		return fmt.Errorf("send failed: %s", r.status)
	}
	fmt.Fprintf(os.Stdout, "%d %s\n", r.command, r.payload)
	return nil
}
