// meshctl is the operator CLI for a running meshnode: it drives a node's
// admin HTTP surface (approve/reject/kick/list-nodes) and its unsigned
// bootstrap endpoints (handshake, trigger-sync) over the network — it
// never touches a node's document store directly.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshnode/meshnode/internal/rpc"
)

type adminClient struct {
	addr     string
	user     string
	password string
	http     *http.Client
}

func newAdminClient(addr, user, password string) *adminClient {
	return &adminClient{addr: addr, user: user, password: password, http: &http.Client{Timeout: 10 * time.Second}}
}

func (a *adminClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.addr+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.user != "" {
		req.SetBasicAuth(a.user, a.password)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e rpc.ErrorBody
		_ = json.Unmarshal(payload, &e)
		if e.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, e.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(payload, out)
}

func main() {
	var addr, user, password string

	root := &cobra.Command{
		Use:           "meshctl",
		Short:         "operator CLI for a meshnode instance",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8300", "base URL of the target node")
	root.PersistentFlags().StringVar(&user, "user", "admin", "admin basic-auth username")
	root.PersistentFlags().StringVar(&password, "password", "", "admin basic-auth password")

	client := func() *adminClient { return newAdminClient(addr, user, password) }

	root.AddCommand(statusCmd(client))
	root.AddCommand(listNodesCmd(client))
	root.AddCommand(approveCmd(client))
	root.AddCommand(rejectCmd(client))
	root.AddCommand(kickCmd(client))
	root.AddCommand(triggerSyncCmd(client))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the target node's handshake identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rpc.HandshakeResponse
			if err := client().do(cmd.Context(), http.MethodGet, "/peer/handshake", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("node_id=%s name=%s mode=%s connectable=%v public_url=%s\n",
				resp.NodeID, resp.Name, resp.Mode, resp.Connectable, resp.PublicURL)
			return nil
		},
	}
}

func listNodesCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list-nodes",
		Short: "list every node in the target's nodes document",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rpc.ListNodesResponse
			if err := client().do(cmd.Context(), http.MethodGet, "/admin/nodes", nil, &resp); err != nil {
				return err
			}
			for id, rec := range resp.Nodes {
				fmt.Printf("%-28s status=%-16s mode=%-6s connectable=%-5v public_url=%s\n",
					id, rec.TrustStatus, rec.Mode, rec.Connectable, rec.PublicURL)
			}
			return nil
		},
	}
}

func adminActionCmd(client func() *adminClient, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <node-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rpc.AdminActionResponse
			req := rpc.AdminActionRequest{NodeID: args[0]}
			if err := client().do(cmd.Context(), http.MethodPost, path, req, &resp); err != nil {
				return err
			}
			fmt.Printf("%s: ok\n", resp.NodeID)
			return nil
		},
	}
}

func approveCmd(client func() *adminClient) *cobra.Command {
	return adminActionCmd(client, "approve", "approve a pending join request", "/admin/approve")
}

func rejectCmd(client func() *adminClient) *cobra.Command {
	return adminActionCmd(client, "reject", "reject a pending join request", "/admin/reject")
}

func kickCmd(client func() *adminClient) *cobra.Command {
	return adminActionCmd(client, "kick", "kick a trusted node out of the mesh", "/admin/kick")
}

func triggerSyncCmd(client func() *adminClient) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger-sync",
		Short: "ask the target node to sync with every trusted connectable peer now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp rpc.TriggerSyncSummary
			if err := client().do(cmd.Context(), http.MethodPost, "/peer/trigger-sync", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("synced=%d failed=%d total=%d elapsed=%.2fs success=%v\n",
				resp.SyncedPeers, resp.FailedPeers, resp.TotalPeers, resp.ElapsedSecs, resp.Success)
			return nil
		},
	}
}
