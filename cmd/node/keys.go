package main

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tolelom/braid/crypto/certgen"
	"github.com/tolelom/braid/wallet"
)

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a dungeon key and write it to the keystore",
		RunE: func(cmd *cobra.Command, _ []string) error {
			keyPath, _ := cmd.Flags().GetString("key")
			w, err := wallet.Generate()
			if err != nil {
				return err
			}
			if err := wallet.SaveKey(keyPath, password(), w); err != nil {
				return errors.Wrap(err, "save key")
			}
			log.Info().Str("path", keyPath).Msg("key generated")
			fmt.Fprintf(cmd.OutOrStdout(), "address: %s\nbox key: %s\n", w.PubKey(), w.BoxKey())
			return nil
		},
	}
}

func newGenCertsCmd() *cobra.Command {
	var outDir string
	var hosts []string

	cmd := &cobra.Command{
		Use:   "gencerts",
		Short: "Generate a CA and a wire TLS certificate for this node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opts := &certgen.Options{}
			for _, h := range hosts {
				if ip := net.ParseIP(h); ip != nil {
					opts.IPs = append(opts.IPs, ip)
				} else {
					opts.DNS = append(opts.DNS, h)
				}
			}
			files, err := certgen.GenerateAll(outDir, cfg.NodeID, opts)
			if err != nil {
				return err
			}
			log.Info().Str("dir", outDir).Str("node", cfg.NodeID).Msg("certificates generated")
			fmt.Fprintf(cmd.OutOrStdout(), "ca_cert: %s\nnode_cert: %s\nnode_key: %s\n", files.CACert, files.NodeCert, files.NodeKey)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "certs", "output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "extra hostnames or IPs for the node certificate")
	return cmd
}
