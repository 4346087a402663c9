// Command chunkctl drives the coordinator API from the shell: uploads and
// downloads, cluster status, manifest inspection and repair triggers.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agenthands/chunknet/pkg/client"
	"github.com/agenthands/chunknet/pkg/core"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		coordinatorURL string
		timeout        time.Duration
	)

	root := &cobra.Command{
		Use:          "chunkctl",
		Short:        "Control the chunk network coordinator",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&coordinatorURL, "coordinator", "http://localhost:8000", "coordinator base URL")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	newClient := func() *client.CoordinatorClient {
		return client.NewCoordinatorClient(coordinatorURL, timeout)
	}

	root.AddCommand(
		uploadCmd(newClient),
		downloadCmd(newClient),
		statusCmd(newClient),
		nodesCmd(newClient),
		manifestCmd(newClient),
		healCmd(newClient),
		assignCmd(newClient),
		locationsCmd(newClient),
		keysCmd(newClient),
	)
	return root
}

type clientFunc func() *client.CoordinatorClient

func uploadCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a file to the network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Upload(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("uploaded %s: file_id=%s chunks=%d bytes=%d\n",
				args[0], resp.FileID, resp.ChunksStored, resp.Length)
			return nil
		},
	}
}

func downloadCmd(newClient clientFunc) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "download <file-id>",
		Short: "Download a file by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if out == "-" {
				_, err := newClient().Download(cmd.Context(), core.FileID(args[0]), os.Stdout)
				return err
			}

			tmp, err := os.CreateTemp(".", ".chunkctl-*")
			if err != nil {
				return err
			}
			defer os.Remove(tmp.Name())

			filename, err := newClient().Download(cmd.Context(), core.FileID(args[0]), tmp)
			if cerr := tmp.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}

			dest := out
			if dest == "" {
				dest = filename
			}
			if dest == "" {
				dest = args[0]
			}
			if err := os.Rename(tmp.Name(), dest); err != nil {
				return err
			}
			fmt.Printf("downloaded %s -> %s\n", args[0], dest)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "destination path (default: original filename; - for stdout)")
	return cmd
}

func statusCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the cluster summary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("nodes: %d  files: %d  chunks: %d\n", st.NodeCount, st.FileCount, st.TotalChunks)
			for _, id := range st.RegisteredNodes {
				fmt.Printf("  node %s\n", id)
			}
			for fileID, detail := range st.Files {
				fmt.Printf("  file %s  %q  chunks=%d\n", fileID, detail.OriginalFilename, detail.ChunkCount)
			}
			for _, me := range st.ManifestErrors {
				fmt.Printf("  BROKEN %s: %s\n", me.FileID, me.Error)
			}
			return nil
		},
	}
}

func nodesCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			nodes, err := newClient().Nodes(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tADDRESS\tCHUNKS\tAVAILABLE\tLAST SEEN")
			for _, n := range nodes {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s ago\n",
					n.ID, n.Address, n.ChunkCount, n.StorageAvailable,
					time.Since(n.LastSeen).Round(time.Second))
			}
			return tw.Flush()
		},
	}
}

func manifestCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "manifest [file-id]",
		Short: "List manifests, or show one as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				ids, err := newClient().ManifestIDs(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Println(id)
				}
				return nil
			}

			view, err := newClient().Manifest(cmd.Context(), core.FileID(args[0]))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}
}

func healCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "heal",
		Short: "Scan all manifests and queue under-replicated chunks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Heal(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s: queued %d chunks\n", resp.Status, resp.Queued)
			return nil
		},
	}
}

func assignCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "assign <chunk-id> <node-id>",
		Short: "Record that a node holds a chunk",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().AssignChunk(cmd.Context(), args[0], core.NodeID(args[1])); err != nil {
				return err
			}
			fmt.Printf("assigned %s -> %s\n", args[0], args[1])
			return nil
		},
	}
}

func locationsCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "locations <chunk-id>",
		Short: "Show which nodes hold a chunk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := newClient().ChunkLocations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, n := range loc.Nodes {
				fmt.Println(n)
			}
			return nil
		},
	}
}

func keysCmd(newClient clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Report how many per-file keys the coordinator holds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := newClient().Keys(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("stored keys: %d\n", resp.StoredKeys)
			return nil
		},
	}
}
