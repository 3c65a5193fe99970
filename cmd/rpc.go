package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawdis/clawdis/pkg/protocol"
)

func sendCmd() *cobra.Command {
	var channel string
	c := &cobra.Command{
		Use:   "send <to> <message>",
		Short: "Send a message through a channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"to":      args[0],
				"message": args[1],
			}
			if channel != "" {
				params["channel"] = channel
			}
			return runRPC(protocol.MethodSend, params, rpcTimeout)
		},
	}
	c.Flags().StringVar(&channel, "channel", "", "channel to send on (default: last used)")
	return c
}

func agentCmd() *cobra.Command {
	var (
		sessionKey string
		thinking   string
		deliver    bool
		to         string
		channel    string
		timeoutSec int
	)
	c := &cobra.Command{
		Use:   "agent <message>",
		Short: "Run an agent turn",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"message": args[0],
			}
			if sessionKey != "" {
				params["sessionKey"] = sessionKey
			}
			if thinking != "" {
				params["thinking"] = thinking
			}
			if deliver {
				params["deliver"] = true
			}
			if to != "" {
				params["to"] = to
			}
			if channel != "" {
				params["channel"] = channel
			}
			return runRPC(protocol.MethodAgent, params, time.Duration(timeoutSec)*time.Second)
		},
	}
	c.Flags().StringVar(&sessionKey, "session", "", "session key (default: main)")
	c.Flags().StringVar(&thinking, "thinking", "", "thinking level for this turn")
	c.Flags().BoolVar(&deliver, "deliver", false, "deliver the reply to a channel")
	c.Flags().StringVar(&to, "to", "", "delivery recipient")
	c.Flags().StringVar(&channel, "channel", "", "delivery channel")
	c.Flags().IntVar(&timeoutSec, "timeout", 120, "request timeout in seconds")
	return c
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check gateway and channel health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodHealth, nil, rpcTimeout)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodStatus, nil, rpcTimeout)
		},
	}
}

func heartbeatCmd() *cobra.Command {
	var (
		message string
		channel string
	)
	c := &cobra.Command{
		Use:   "heartbeat",
		Short: "Trigger an immediate heartbeat probe",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{}
			if message != "" {
				params["message"] = message
			}
			if channel != "" {
				params["channel"] = channel
			}
			return runRPC(protocol.MethodHeartbeat, params, rpcTimeout)
		},
	}
	c.Flags().StringVar(&message, "message", "", "prompt override for this probe")
	c.Flags().StringVar(&channel, "channel", "", "channel to probe (default: last used)")
	return c
}

func nodesCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "nodes",
		Short: "Manage paired nodes",
	}

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List paired nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodNodesList, nil, rpcTimeout)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List pending pairing requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodNodesPending, nil, rpcTimeout)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "approve <nodeId>",
		Short: "Approve a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodNodesApprove, map[string]string{"nodeId": args[0]}, rpcTimeout)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "reject <nodeId>",
		Short: "Reject a pending pairing request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodNodesReject, map[string]string{"nodeId": args[0]}, rpcTimeout)
		},
	})

	var (
		invokeParams  string
		invokeTimeout int
	)
	invoke := &cobra.Command{
		Use:   "invoke <nodeId> <command>",
		Short: "Invoke a command on a paired node",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"nodeId":  args[0],
				"command": args[1],
			}
			if invokeParams != "" {
				if !json.Valid([]byte(invokeParams)) {
					return exitWith(exitInvalidArgs, "--params must be valid JSON")
				}
				params["paramsJSON"] = json.RawMessage(invokeParams)
			}
			if invokeTimeout > 0 {
				params["timeoutMs"] = invokeTimeout * 1000
			}
			timeout := rpcTimeout
			if d := time.Duration(invokeTimeout) * time.Second; d > timeout {
				timeout = d + 5*time.Second
			}
			return runRPC(protocol.MethodNodesInvoke, params, timeout)
		},
	}
	invoke.Flags().StringVar(&invokeParams, "params", "", "command params as a JSON object")
	invoke.Flags().IntVar(&invokeTimeout, "timeout", 0, "invoke timeout in seconds")
	c.AddCommand(invoke)

	return c
}

func cronCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "cron",
		Short: "Manage scheduled agent jobs",
	}

	c.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List cron jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodCronList, nil, rpcTimeout)
		},
	})

	var (
		name     string
		session  string
		channel  string
		to       string
		thinking string
	)
	add := &cobra.Command{
		Use:   "add <expr> <message>",
		Short: "Add a cron job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]interface{}{
				"expr":    args[0],
				"message": args[1],
			}
			if name != "" {
				params["name"] = name
			}
			if session != "" {
				params["sessionKey"] = session
			}
			if channel != "" {
				params["channel"] = channel
			}
			if to != "" {
				params["to"] = to
			}
			if thinking != "" {
				params["thinking"] = thinking
			}
			return runRPC(protocol.MethodCronAdd, params, rpcTimeout)
		},
	}
	add.Flags().StringVar(&name, "name", "", "human-readable job name")
	add.Flags().StringVar(&session, "session", "", "session key (default: main)")
	add.Flags().StringVar(&channel, "channel", "", "delivery channel")
	add.Flags().StringVar(&to, "to", "", "delivery recipient")
	add.Flags().StringVar(&thinking, "thinking", "", "thinking level")
	c.AddCommand(add)

	c.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a cron job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodCronRemove, map[string]string{"id": args[0]}, rpcTimeout)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "run-now <id>",
		Short: "Fire a cron job immediately",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRPC(protocol.MethodCronRunNow, map[string]string{"id": args[0]}, rpcTimeout)
		},
	})

	return c
}
