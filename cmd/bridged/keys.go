package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pushchain/bridge-core/bridgeCore/config"
	"github.com/pushchain/bridge-core/bridgeCore/validator"
)

// keysCmd returns the keys command with all subcommands
func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage validator signing keys",
	}
	cmd.AddCommand(keysGenerateCmd())
	return cmd
}

func keysGenerateCmd() *cobra.Command {
	var (
		algorithm string
		id        string
		add       bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a validator key pair",
		Long: `
Generate a validator signing key. Without --add the private key is printed
and nothing is stored. With --add the key is appended to the validators of
the config in --home under the given --id.

Examples:
  bridged keys generate --algorithm secp256k1
  bridged keys generate --id 5 --add
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, priv, err := validator.GenerateSigner(algorithm)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Algorithm:   %s\n", signer.Algorithm())
			fmt.Fprintf(out, "Public key:  %x\n", signer.PublicKey())
			if s, ok := signer.(*validator.Secp256k1Signer); ok {
				fmt.Fprintf(out, "Address:     %s\n", s.Address())
			}

			if !add {
				fmt.Fprintf(out, "Private key: %s\n", priv)
				return nil
			}

			if id == "" {
				return fmt.Errorf("--id is required with --add")
			}
			cfg, err := config.Load(homeFlag)
			if err != nil {
				return err
			}
			cfg.Validators = append(cfg.Validators, config.ValidatorConfig{
				ID:            id,
				Algorithm:     signer.Algorithm(),
				PrivateKeyHex: priv,
			})
			if err := config.Save(&cfg, homeFlag); err != nil {
				return err
			}
			fmt.Fprintf(out, "Validator %s added to config\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&algorithm, "algorithm", validator.AlgorithmECDSAP256, "signature algorithm (ecdsa-p256|secp256k1)")
	cmd.Flags().StringVar(&id, "id", "", "validator ID to register with --add")
	cmd.Flags().BoolVar(&add, "add", false, "append the key to the config's validators")
	return cmd
}
