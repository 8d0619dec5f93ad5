package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"witness/internal/infra/cesr"
	"witness/internal/infra/keys/soft"
	"witness/internal/usecase"
)

func NewPrefixCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prefix",
		Short: "Print the witness identifier for the configured key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			manager, err := soft.NewManagerFromConfig(cfg)
			if err != nil {
				return err
			}
			if manager.Ephemeral() {
				return errors.New("no witness key configured (set WITNESS_KEY_SEED_HEX, WITNESS_KEY_SEED_BASE64 or WITNESS_KEY_FILE)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), manager.Prefix())
			return nil
		},
	}
}

type KeygenOptions struct {
	*RootOptions
	Out       string
	Overwrite bool
}

func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a witness key file and print its identifier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := soft.GenerateKeyFile(opts.Out, opts.Overwrite)
			if err != nil {
				return err
			}
			manager, err := soft.NewManager(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", manager.Prefix())
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Out, "out", "", "path of the key file to write (required)")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "replace an existing key file")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

type OOBIOptions struct {
	*RootOptions
	URL string
}

func NewOOBICommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OOBIOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "oobi",
		Short: "Print a signed location reply for the witness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			address := opts.URL
			if address == "" {
				address = cfg.PublicURL
			}
			if address == "" {
				return errors.New("--url or PUBLIC_URL is required")
			}
			manager, err := soft.NewManagerFromConfig(cfg)
			if err != nil {
				return err
			}
			witness, err := usecase.NewWitness(manager)
			if err != nil {
				return err
			}
			discovery, err := usecase.NewDiscoveryService(cesr.Codec{}, witness, time.Now)
			if err != nil {
				return err
			}
			proof, err := discovery.IssueProof(context.Background(), address)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", proof.Raw)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.URL, "url", "", "address to bind (defaults to PUBLIC_URL)")
	return cmd
}
