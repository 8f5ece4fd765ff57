package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/gateway-fm/toefl-cert-ledger/internal/certificate"
	"github.com/gateway-fm/toefl-cert-ledger/internal/config"
	"github.com/gateway-fm/toefl-cert-ledger/internal/content"
	"github.com/gateway-fm/toefl-cert-ledger/internal/ledger"
)

func newRootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:          "certctl",
		Short:        "Inspect and write TOEFL certificate records",
		SilenceUsage: true,
	}
	config.Flags(root.PersistentFlags())
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional file of CERTLEDGER_ environment variables")

	load := func(cmd *cobra.Command) (*config.Config, error) {
		return config.Load(cmd.Flags(), envFile)
	}

	root.AddCommand(
		newHashCmd(),
		newGetCmd(load),
		newStoreCmd(load),
		newResolveCmd(load),
	)
	return root
}

type loader func(cmd *cobra.Command) (*config.Config, error)

func newHashCmd() *cobra.Command {
	var (
		file   string
		issuer string
	)
	cmd := &cobra.Command{
		Use:   "hash [value]",
		Short: "Print the ledger key for a value or a certificate document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				if !common.IsHexAddress(issuer) {
					return errors.New("--issuer must be the issuing account address")
				}
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				if _, err := certificate.ParsePayload(data); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ledger.DeriveHash(data, common.HexToAddress(issuer)).Hex())
				return nil
			}
			if len(args) != 1 {
				return errors.New("a value or --file is required")
			}
			hash, err := ledger.ParseHash(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash.Hex())
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Certificate document to derive the hash from")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuing account, used with --file")
	return cmd
}

func newGetCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "get <hash>",
		Short: "Print the content id recorded for a certificate hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			hash, err := ledger.ParseHash(args[0])
			if err != nil {
				return err
			}
			contentID, err := ledger.NewClient(cfg.Network(), nil).Get(cmd.Context(), hash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), contentID)
			return nil
		},
	}
}

func newStoreCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "store <hash> <content-id>",
		Short: "Record a published certificate on the ledger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			hash, err := ledger.ParseHash(args[0])
			if err != nil {
				return err
			}
			id, err := content.ParseCID(args[1])
			if err != nil {
				return err
			}
			client, err := cfg.LedgerClient()
			if err != nil {
				return err
			}

			receipt, err := client.Store(cmd.Context(), hash, id.String())
			if err != nil {
				if tx, ok := ledger.TxHashOf(err); ok {
					fmt.Fprintf(cmd.ErrOrStderr(), "transaction %s\n", tx.Hex())
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transaction %s confirmed (%d confirmations)\n", receipt.TransactionID.Hex(), receipt.Confirmations)
			return nil
		},
	}
}

func newResolveCmd(load loader) *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "resolve <hash>",
		Short: "Verify a certificate hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			var (
				out certificate.Outcome
				err error
			)
			if remote != "" {
				out, err = resolveRemote(ctx, remote, args[0])
			} else {
				out, err = resolveLocal(ctx, cmd, load, args[0])
			}
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "", "Address of a certledger gRPC server to ask instead of the ledger")
	return cmd
}

func resolveLocal(ctx context.Context, cmd *cobra.Command, load loader, value string) (certificate.Outcome, error) {
	cfg, err := load(cmd)
	if err != nil {
		return certificate.Outcome{}, err
	}
	hash, err := ledger.ParseHash(value)
	if err != nil {
		return certificate.Outcome{}, err
	}
	resolver := certificate.NewResolver(ledger.NewClient(cfg.Network(), nil), cfg.ContentGateway())
	return resolver.Resolve(ctx, hash)
}

func resolveRemote(ctx context.Context, addr, value string) (certificate.Outcome, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return certificate.Outcome{}, err
	}
	defer conn.Close()
	return certificate.ResolveRemote(ctx, conn, value)
}
